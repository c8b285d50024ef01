package httpapi

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/TheOrdinaryWow/pedicab/internal/model"
	"github.com/TheOrdinaryWow/pedicab/internal/store"
)

// createRuleRequest is the POST /rules/ request body.
type createRuleRequest struct {
	Name     string             `json:"name" binding:"required"`
	Listen   string             `json:"listen" binding:"required"`
	Target   model.RuleTarget   `json:"target" binding:"required"`
	Protocol model.RuleProtocol `json:"protocol" binding:"required"`
	Config   *model.RuleConfig  `json:"config"`
	Remarks  *string            `json:"remarks"`
}

// updateRuleRequest is the PATCH /rules/{id} request body; every field
// is optional, only supplied fields are changed.
type updateRuleRequest struct {
	Name     *string             `json:"name"`
	Listen   *string             `json:"listen"`
	Target   *model.RuleTarget   `json:"target"`
	Protocol *model.RuleProtocol `json:"protocol"`
	Config   *model.RuleConfig   `json:"config"`
	Enabled  *bool               `json:"enabled"`
	Remarks  *string             `json:"remarks"`
}

func parseRuleID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		respondError(c, http.StatusBadRequest, "invalid rule id")
		return uuid.UUID{}, false
	}
	return id, true
}

func (s *Server) listRules(c *gin.Context) {
	rules, err := s.repo.FindAll(c.Request.Context())
	if err != nil {
		respondError(c, http.StatusInternalServerError, err.Error())
		return
	}
	respondData(c, http.StatusOK, rules)
}

func (s *Server) createRule(c *gin.Context) {
	var req createRuleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, err.Error())
		return
	}
	if len(req.Target.Addrs) == 0 {
		respondError(c, http.StatusBadRequest, "target must have at least one address")
		return
	}

	rule, err := s.repo.Create(c.Request.Context(), store.CreateRuleParams{
		Name:     req.Name,
		Listen:   req.Listen,
		Target:   req.Target,
		Protocol: req.Protocol,
		Config:   req.Config,
		Remarks:  req.Remarks,
	})
	if err != nil {
		respondError(c, http.StatusInternalServerError, err.Error())
		return
	}
	respondData(c, http.StatusCreated, rule)
}

func (s *Server) getRule(c *gin.Context) {
	id, ok := parseRuleID(c)
	if !ok {
		return
	}
	rule, err := s.repo.FindByID(c.Request.Context(), id)
	if err != nil {
		s.respondRuleLookupError(c, err)
		return
	}
	respondData(c, http.StatusOK, rule)
}

func (s *Server) updateRule(c *gin.Context) {
	id, ok := parseRuleID(c)
	if !ok {
		return
	}

	var req updateRuleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, err.Error())
		return
	}
	if req.Target != nil && len(req.Target.Addrs) == 0 {
		respondError(c, http.StatusBadRequest, "target must have at least one address")
		return
	}

	rule, err := s.repo.Update(c.Request.Context(), id, store.UpdateRuleParams{
		Name:     req.Name,
		Listen:   req.Listen,
		Target:   req.Target,
		Protocol: req.Protocol,
		Config:   req.Config,
		Enabled:  req.Enabled,
		Remarks:  req.Remarks,
	})
	if err != nil {
		s.respondRuleLookupError(c, err)
		return
	}
	respondData(c, http.StatusOK, rule)
}

func (s *Server) deleteRule(c *gin.Context) {
	id, ok := parseRuleID(c)
	if !ok {
		return
	}
	existed, err := s.repo.Delete(c.Request.Context(), id)
	if err != nil {
		respondError(c, http.StatusInternalServerError, err.Error())
		return
	}
	if !existed {
		respondError(c, http.StatusNotFound, "rule not found")
		return
	}
	respondData(c, http.StatusOK, gin.H{"id": id})
}

func (s *Server) enableRule(c *gin.Context) {
	id, ok := parseRuleID(c)
	if !ok {
		return
	}
	if err := s.repo.Enable(c.Request.Context(), id); err != nil {
		s.respondRuleLookupError(c, err)
		return
	}
	respondData(c, http.StatusOK, gin.H{"id": id, "enabled": true})
}

func (s *Server) disableRule(c *gin.Context) {
	id, ok := parseRuleID(c)
	if !ok {
		return
	}
	if err := s.repo.Disable(c.Request.Context(), id); err != nil {
		s.respondRuleLookupError(c, err)
		return
	}
	respondData(c, http.StatusOK, gin.H{"id": id, "enabled": false})
}

func (s *Server) respondRuleLookupError(c *gin.Context, err error) {
	if errors.Is(err, store.ErrNotFound) {
		respondError(c, http.StatusNotFound, "rule not found")
		return
	}
	respondError(c, http.StatusInternalServerError, err.Error())
}
