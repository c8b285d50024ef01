// Package forward is the reconciliation core: it owns the set of rules
// persisted in the store, keeps a running TCP/UDP forwarder task per
// enabled rule, and restarts a task in place whenever its config-material
// digest changes. It mirrors the original Rust ForwardManager's
// stop-then-start reconciliation loop, expressed with context.Context
// cancellation and errgroup in place of tokio task handles.
package forward

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/TheOrdinaryWow/pedicab/internal/model"
	"github.com/TheOrdinaryWow/pedicab/internal/statscache"
	"github.com/TheOrdinaryWow/pedicab/internal/store"
)

// Config bounds the behavior every forwarder task is started with.
type Config struct {
	// ConnectionsLimit is the agent-wide live-connection cap. Combined
	// with a rule's own Config.Connections by taking the minimum of the
	// two when both are present.
	ConnectionsLimit *uint64
	// TCPBufferSize is the per-direction relay read buffer of every TCP
	// connection, in bytes; both TCP sockets of a connection get socket
	// send/receive buffers of four times this. UDP sockets use
	// udpSocketBuffer instead.
	TCPBufferSize int
	// StatsUpdateInterval is how often a running forwarder folds its
	// transferred-byte counters into the speed/bandwidth fields.
	StatsUpdateInterval time.Duration
}

// task is the manager's bookkeeping for one running rule.
type task struct {
	cancel context.CancelFunc
	done   chan struct{}
	digest uint64
}

// Manager is the forward manager: the reconciliation loop between
// persisted rules and live forwarder goroutines.
type Manager struct {
	store *store.Store
	cache *statscache.Cache
	cfg   Config

	mu    sync.RWMutex
	tasks map[uuid.UUID]*task
}

// New builds a Manager. It does not start any rules; call LoadRules or
// StartPolling to do that.
func New(s *store.Store, cache *statscache.Cache, cfg Config) *Manager {
	return &Manager{
		store: s,
		cache: cache,
		cfg:   cfg,
		tasks: make(map[uuid.UUID]*task),
	}
}

// StartPolling runs the reconciliation loop every second until ctx is
// cancelled. Each tick runs, in order, flushStats then LoadRules — the
// same single tick the original's start_polling ran both steps in, not
// two independently-scheduled loops. Per-tick errors are logged rather
// than propagated so a single bad poll doesn't bring the whole manager
// down.
func (m *Manager) StartPolling(ctx context.Context) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	if err := m.LoadRules(ctx); err != nil {
		log.Error().Err(err).Msg("initial rule load failed")
	}

	for {
		select {
		case <-ctx.Done():
			m.stopAll()
			return ctx.Err()
		case <-ticker.C:
			if err := m.flushStats(ctx); err != nil {
				log.Error().Err(err).Msg("flushing stats failed")
			}
			if err := m.LoadRules(ctx); err != nil {
				log.Error().Err(err).Msg("rule reconciliation failed")
			}
		}
	}
}

// LoadRules reconciles persisted rules against running tasks: rules no
// longer present (or disabled) are stopped, newly enabled rules are
// started, and rules whose config-material digest changed are restarted
// in place.
func (m *Manager) LoadRules(ctx context.Context) error {
	rules, err := m.store.FindAll(ctx)
	if err != nil {
		return fmt.Errorf("forward: loading rules: %w", err)
	}

	desired := make(map[uuid.UUID]*model.Rule, len(rules))
	for i := range rules {
		desired[rules[i].ID] = &rules[i]
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for id := range m.tasks {
		rule, ok := desired[id]
		if !ok || !rule.Enabled {
			m.stopTaskLocked(id)
			if ok {
				if err := m.store.UpdateStatus(ctx, id, model.StatusStopped); err != nil {
					log.Error().Err(err).Str("rule_id", id.String()).Msg("persisting stopped status failed")
				}
			}
		}
	}

	for id, rule := range desired {
		if !rule.Enabled {
			continue
		}

		t, running := m.tasks[id]
		if running && t.digest == rule.Digest() {
			continue
		}
		if running {
			m.stopTaskLocked(id)
		}
		if rule.Status == model.StatusError {
			// Sticky: a failed rule is never auto-retried, only an
			// explicit enable/update clears it.
			continue
		}

		m.startTaskLocked(ctx, rule)
	}

	return nil
}

func (m *Manager) stopAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id := range m.tasks {
		m.stopTaskLocked(id)
	}
}

// stopTaskLocked cancels the task's context and blocks until its
// goroutine(s) have fully unwound, so a subsequent bind on the same
// address doesn't race the old listener's Close.
func (m *Manager) stopTaskLocked(id uuid.UUID) {
	t, ok := m.tasks[id]
	if !ok {
		return
	}
	t.cancel()
	<-t.done
	delete(m.tasks, id)
}

func (m *Manager) startTaskLocked(parent context.Context, rule *model.Rule) {
	ctx, cancel := context.WithCancel(parent)
	done := make(chan struct{})

	serveCfg := serveConfig{
		bufferSize:          m.cfg.TCPBufferSize,
		connectionsLimit:    effectiveLimit(m.cfg.ConnectionsLimit, rule.Config.Connections),
		statsUpdateInterval: m.cfg.StatsUpdateInterval,
	}

	markError := func(message string) {
		if err := m.store.UpdateStatus(context.Background(), rule.ID, model.StatusError); err != nil {
			log.Error().Err(err).Str("rule_id", rule.ID.String()).Msg("persisting error status failed")
		}
		m.cache.Mutate(rule.ID, func(s model.RuleStats) model.RuleStats {
			s.FailedTimes++
			s.LastFailedMessage = message
			return s
		})
		if err := m.flushOne(context.Background(), rule.ID); err != nil {
			log.Error().Err(err).Msg("flushing error stats failed")
		}
	}

	switch rule.Protocol {
	case model.ProtocolTCP:
		ln, err := bindTCP(rule.Listen)
		if err != nil {
			cancel()
			close(done)
			markError(err.Error())
			return
		}
		go func() {
			defer close(done)
			if err := serveTCP(ctx, ln, rule, m.cache, serveCfg); err != nil {
				log.Warn().Err(err).Str("rule_id", rule.ID.String()).Msg("tcp forwarder exited")
			}
		}()

	case model.ProtocolUDP:
		conn, err := bindUDP(rule.Listen)
		if err != nil {
			cancel()
			close(done)
			markError(err.Error())
			return
		}
		go func() {
			defer close(done)
			if err := serveUDP(ctx, conn, rule, m.cache, serveCfg); err != nil {
				log.Warn().Err(err).Str("rule_id", rule.ID.String()).Msg("udp forwarder exited")
			}
		}()

	case model.ProtocolTCPUDP:
		ln, tcpErr := bindTCP(rule.Listen)
		conn, udpErr := bindUDP(rule.Listen)
		if tcpErr != nil || udpErr != nil {
			if ln != nil {
				ln.Close()
			}
			if conn != nil {
				conn.Close()
			}
			cancel()
			close(done)
			// Last writer wins: when both sides fail to bind, the UDP
			// failure is reported since it is checked second.
			msg := errString(tcpErr)
			if udpErr != nil {
				msg = udpErr.Error()
			}
			markError(msg)
			return
		}
		go func() {
			defer close(done)
			g, gctx := errgroup.WithContext(ctx)
			// Whichever side returns first, with or without an error,
			// cancels the shared context so the other side unwinds too.
			sctx, stopSibling := context.WithCancel(gctx)
			defer stopSibling()
			g.Go(func() error { defer stopSibling(); return serveTCP(sctx, ln, rule, m.cache, serveCfg) })
			g.Go(func() error { defer stopSibling(); return serveUDP(sctx, conn, rule, m.cache, serveCfg) })
			if err := g.Wait(); err != nil {
				log.Warn().Err(err).Str("rule_id", rule.ID.String()).Msg("tcp_udp forwarder exited")
			}
		}()

	default:
		cancel()
		close(done)
		markError(fmt.Sprintf("unknown protocol %q", rule.Protocol))
		return
	}

	m.tasks[rule.ID] = &task{cancel: cancel, done: done, digest: rule.Digest()}
	if err := m.store.UpdateStatus(parent, rule.ID, model.StatusRunning); err != nil {
		log.Error().Err(err).Str("rule_id", rule.ID.String()).Msg("persisting running status failed")
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// effectiveLimit combines the agent-wide cap with a rule's own cap by
// taking the minimum of whichever are present. A nil result means
// unlimited.
func effectiveLimit(agentWide, perRule *uint64) *uint64 {
	switch {
	case agentWide == nil:
		return perRule
	case perRule == nil:
		return agentWide
	case *perRule < *agentWide:
		return perRule
	default:
		return agentWide
	}
}

// GetRules returns the currently supervised rules (those with a running
// task), with stats overlaid from the live cache since the cache is
// ahead of the last periodic flush. A rule that exists in the store but
// isn't supervised right now — disabled, stopped, or stuck in the
// sticky Error status — is silently dropped, matching get_rules's
// "for each id in the supervised list" contract.
func (m *Manager) GetRules(ctx context.Context) ([]model.Rule, error) {
	rules, err := m.store.FindAll(ctx)
	if err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	supervised := make([]model.Rule, 0, len(m.tasks))
	for i := range rules {
		if _, ok := m.tasks[rules[i].ID]; !ok {
			continue
		}
		if s, ok := m.cache.Get(rules[i].ID); ok {
			rules[i].Stats = s
		}
		supervised = append(supervised, rules[i])
	}
	return supervised, nil
}

// GetRule returns a single persisted rule with live stats overlaid.
func (m *Manager) GetRule(ctx context.Context, id uuid.UUID) (*model.Rule, error) {
	rule, err := m.store.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if s, ok := m.cache.Get(id); ok {
		rule.Stats = s
	}
	return rule, nil
}

// GetStat returns the live stats for a single rule.
func (m *Manager) GetStat(id uuid.UUID) model.RuleStats {
	s, _ := m.cache.Get(id)
	return s
}

// GetStats returns the live stats for every currently supervised rule,
// not every id ever written to the cache — a rule that was later
// stopped, disabled, or deleted still has a cache entry (entries are
// never evicted on stop) but must not appear here.
func (m *Manager) GetStats() map[uuid.UUID]model.RuleStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	items := m.cache.Items()
	stats := make(map[uuid.UUID]model.RuleStats, len(m.tasks))
	for id := range m.tasks {
		// A supervised rule with no cache entry yet (no traffic so far)
		// is reported with zero stats.
		stats[id] = items[id]
	}
	return stats
}

// ResetStat zeroes one rule's stats, in both the live cache and the
// persisted row.
func (m *Manager) ResetStat(ctx context.Context, id uuid.UUID) error {
	m.cache.Insert(id, model.RuleStats{})
	return m.store.UpdateStats(ctx, id, model.RuleStats{})
}

// ResetStats zeroes every rule's stats.
func (m *Manager) ResetStats(ctx context.Context) error {
	rules, err := m.store.FindAll(ctx)
	if err != nil {
		return err
	}
	for _, r := range rules {
		if err := m.ResetStat(ctx, r.ID); err != nil {
			return err
		}
	}
	return nil
}

// RestartRule forces an immediate stop/start cycle for one rule,
// regardless of whether its digest changed, and clears a sticky Error
// status.
func (m *Manager) RestartRule(ctx context.Context, id uuid.UUID) error {
	rule, err := m.store.FindByID(ctx, id)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.stopTaskLocked(id)
	if !rule.Enabled {
		return nil
	}
	m.startTaskLocked(ctx, rule)
	return nil
}

// flushStats writes every cached rule's live stats back to the store,
// for every id that is still persisted. A missing id (the rule was
// deleted since its last write) is silently skipped; any other error is
// logged and flushing continues with the remaining ids, never aborting
// the whole pass on one bad write.
func (m *Manager) flushStats(ctx context.Context) error {
	for id, stats := range m.cache.Items() {
		if err := m.store.UpdateStats(ctx, id, stats); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			log.Error().Err(err).Str("rule_id", id.String()).Msg("flushing rule stats failed")
		}
	}
	return nil
}

func (m *Manager) flushOne(ctx context.Context, id uuid.UUID) error {
	stats, _ := m.cache.Get(id)
	return m.store.UpdateStats(ctx, id, stats)
}
