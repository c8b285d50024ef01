package forward

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/TheOrdinaryWow/pedicab/internal/model"
	"github.com/TheOrdinaryWow/pedicab/internal/statscache"
	"github.com/TheOrdinaryWow/pedicab/internal/store"
)

func newTestManager(t *testing.T) (*Manager, *store.Store) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "forward_test.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	cache, err := statscache.New()
	if err != nil {
		t.Fatalf("statscache.New: %v", err)
	}

	mgr := New(s, cache, Config{
		TCPBufferSize:       4096,
		StatsUpdateInterval: 50 * time.Millisecond,
	})
	return mgr, s
}

func freeTCPAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("finding a free port: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

func TestLoadRulesStartsEnabledRules(t *testing.T) {
	mgr, s := newTestManager(t)
	ctx := context.Background()

	listen := freeTCPAddr(t)
	rule, err := s.Create(ctx, store.CreateRuleParams{
		Name:     "tcp-echo",
		Listen:   listen,
		Target:   model.RuleTarget{Addrs: []string{"127.0.0.1:1"}},
		Protocol: model.ProtocolTCP,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := s.Enable(ctx, rule.ID); err != nil {
		t.Fatalf("Enable: %v", err)
	}

	if err := mgr.LoadRules(ctx); err != nil {
		t.Fatalf("LoadRules: %v", err)
	}

	mgr.mu.RLock()
	_, running := mgr.tasks[rule.ID]
	mgr.mu.RUnlock()
	if !running {
		t.Fatalf("expected rule to have a running task after LoadRules")
	}

	updated, err := s.FindByID(ctx, rule.ID)
	if err != nil {
		t.Fatalf("FindByID: %v", err)
	}
	if updated.Status != model.StatusRunning {
		t.Fatalf("expected status running, got %s", updated.Status)
	}

	mgr.stopAll()
}

func TestLoadRulesStopsDisabledRules(t *testing.T) {
	mgr, s := newTestManager(t)
	ctx := context.Background()

	listen := freeTCPAddr(t)
	rule, err := s.Create(ctx, store.CreateRuleParams{
		Name:     "tcp-echo",
		Listen:   listen,
		Target:   model.RuleTarget{Addrs: []string{"127.0.0.1:1"}},
		Protocol: model.ProtocolTCP,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := s.Enable(ctx, rule.ID); err != nil {
		t.Fatalf("Enable: %v", err)
	}
	if err := mgr.LoadRules(ctx); err != nil {
		t.Fatalf("LoadRules: %v", err)
	}

	if err := s.Disable(ctx, rule.ID); err != nil {
		t.Fatalf("Disable: %v", err)
	}
	if err := mgr.LoadRules(ctx); err != nil {
		t.Fatalf("LoadRules (second pass): %v", err)
	}

	mgr.mu.RLock()
	_, running := mgr.tasks[rule.ID]
	mgr.mu.RUnlock()
	if running {
		t.Fatalf("expected the task to be stopped after disabling the rule")
	}
}

func TestLoadRulesRestartsOnDigestChange(t *testing.T) {
	mgr, s := newTestManager(t)
	ctx := context.Background()

	listen := freeTCPAddr(t)
	rule, err := s.Create(ctx, store.CreateRuleParams{
		Name:     "tcp-echo",
		Listen:   listen,
		Target:   model.RuleTarget{Addrs: []string{"127.0.0.1:1"}},
		Protocol: model.ProtocolTCP,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := s.Enable(ctx, rule.ID); err != nil {
		t.Fatalf("Enable: %v", err)
	}
	if err := mgr.LoadRules(ctx); err != nil {
		t.Fatalf("LoadRules: %v", err)
	}

	mgr.mu.RLock()
	firstTask := mgr.tasks[rule.ID]
	mgr.mu.RUnlock()

	newTarget := model.RuleTarget{Addrs: []string{"127.0.0.1:2"}}
	if _, err := s.Update(ctx, rule.ID, store.UpdateRuleParams{Target: &newTarget}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if err := mgr.LoadRules(ctx); err != nil {
		t.Fatalf("LoadRules (second pass): %v", err)
	}

	mgr.mu.RLock()
	secondTask := mgr.tasks[rule.ID]
	mgr.mu.RUnlock()

	if firstTask == secondTask {
		t.Fatalf("expected a fresh task after a config-material change")
	}

	mgr.stopAll()
}

func TestLoadRulesSkipsStickyError(t *testing.T) {
	mgr, s := newTestManager(t)
	ctx := context.Background()

	listen := freeTCPAddr(t)
	rule, err := s.Create(ctx, store.CreateRuleParams{
		Name:     "tcp-echo",
		Listen:   listen,
		Target:   model.RuleTarget{Addrs: []string{"127.0.0.1:1"}},
		Protocol: model.ProtocolTCP,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := s.Enable(ctx, rule.ID); err != nil {
		t.Fatalf("Enable: %v", err)
	}
	if err := s.UpdateStatus(ctx, rule.ID, model.StatusError); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}

	if err := mgr.LoadRules(ctx); err != nil {
		t.Fatalf("LoadRules: %v", err)
	}

	mgr.mu.RLock()
	_, running := mgr.tasks[rule.ID]
	mgr.mu.RUnlock()
	if running {
		t.Fatalf("a sticky Error rule must not be auto-retried")
	}
}

func TestGetRulesAndGetStatsOnlyReportSupervisedRules(t *testing.T) {
	mgr, s := newTestManager(t)
	ctx := context.Background()

	running, err := s.Create(ctx, store.CreateRuleParams{
		Name:     "running",
		Listen:   freeTCPAddr(t),
		Target:   model.RuleTarget{Addrs: []string{"127.0.0.1:1"}},
		Protocol: model.ProtocolTCP,
	})
	if err != nil {
		t.Fatalf("Create(running): %v", err)
	}
	if err := s.Enable(ctx, running.ID); err != nil {
		t.Fatalf("Enable(running): %v", err)
	}

	stopped, err := s.Create(ctx, store.CreateRuleParams{
		Name:     "stopped",
		Listen:   freeTCPAddr(t),
		Target:   model.RuleTarget{Addrs: []string{"127.0.0.1:1"}},
		Protocol: model.ProtocolTCP,
	})
	if err != nil {
		t.Fatalf("Create(stopped): %v", err)
	}
	// A cache entry left behind by a rule that is not (or no longer)
	// supervised must not leak into GetStats.
	mgr.cache.Insert(stopped.ID, model.RuleStats{Bandwidth: 999})

	if err := mgr.LoadRules(ctx); err != nil {
		t.Fatalf("LoadRules: %v", err)
	}
	defer mgr.stopAll()

	rules, err := mgr.GetRules(ctx)
	if err != nil {
		t.Fatalf("GetRules: %v", err)
	}
	if len(rules) != 1 || rules[0].ID != running.ID {
		t.Fatalf("expected only the running rule from GetRules, got %+v", rules)
	}

	stats := mgr.GetStats()
	if _, ok := stats[stopped.ID]; ok {
		t.Fatalf("expected the unsupervised rule's stats to be excluded from GetStats")
	}
	if _, ok := stats[running.ID]; !ok {
		t.Fatalf("expected the supervised rule's stats in GetStats")
	}
}
