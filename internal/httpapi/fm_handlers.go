package httpapi

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/TheOrdinaryWow/pedicab/internal/store"
)

func (s *Server) fmRunning(c *gin.Context) {
	rules, err := s.manager.GetRules(c.Request.Context())
	if err != nil {
		respondError(c, http.StatusInternalServerError, err.Error())
		return
	}
	respondData(c, http.StatusOK, rules)
}

func (s *Server) fmStatsAll(c *gin.Context) {
	respondData(c, http.StatusOK, s.manager.GetStats())
}

func (s *Server) fmStatsResetAll(c *gin.Context) {
	if err := s.manager.ResetStats(c.Request.Context()); err != nil {
		respondError(c, http.StatusInternalServerError, err.Error())
		return
	}
	respondData(c, http.StatusOK, gin.H{"reset": true})
}

func (s *Server) fmStatsOne(c *gin.Context) {
	id, ok := parseRuleID(c)
	if !ok {
		return
	}
	respondData(c, http.StatusOK, s.manager.GetStat(id))
}

func (s *Server) fmStatsResetOne(c *gin.Context) {
	id, ok := parseRuleID(c)
	if !ok {
		return
	}
	if err := s.manager.ResetStat(c.Request.Context(), id); err != nil {
		respondError(c, http.StatusInternalServerError, err.Error())
		return
	}
	respondData(c, http.StatusOK, gin.H{"id": id, "reset": true})
}

func (s *Server) fmRestart(c *gin.Context) {
	id, ok := parseRuleID(c)
	if !ok {
		return
	}
	if err := s.manager.RestartRule(c.Request.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			respondError(c, http.StatusNotFound, "rule not found")
			return
		}
		respondError(c, http.StatusInternalServerError, err.Error())
		return
	}
	respondData(c, http.StatusOK, gin.H{"id": id, "restarted": true})
}
