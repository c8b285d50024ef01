package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/TheOrdinaryWow/pedicab/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pedicab_test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestFindAllMatchesIndexOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		rule, err := s.Create(ctx, CreateRuleParams{
			Name:     "rule",
			Listen:   "0.0.0.0:8000",
			Target:   model.RuleTarget{Addrs: []string{"10.0.0.1:9000"}},
			Protocol: model.ProtocolTCP,
		})
		if err != nil {
			t.Fatalf("Create: %v", err)
		}
		ids = append(ids, rule.ID.String())
	}

	all, err := s.FindAll(ctx)
	if err != nil {
		t.Fatalf("FindAll: %v", err)
	}
	if len(all) != len(ids) {
		t.Fatalf("expected %d rules, got %d", len(ids), len(all))
	}
	for i, rule := range all {
		if rule.ID.String() != ids[i] {
			t.Fatalf("FindAll order mismatch at %d: got %s want %s", i, rule.ID, ids[i])
		}
	}
}

func TestCreateDefaults(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rule, err := s.Create(ctx, CreateRuleParams{
		Name:     "rule",
		Listen:   "0.0.0.0:8000",
		Target:   model.RuleTarget{Addrs: []string{"10.0.0.1:9000"}},
		Protocol: model.ProtocolTCP,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if rule.Enabled {
		t.Fatalf("new rule should default to disabled")
	}
	if rule.Status != model.StatusStopped {
		t.Fatalf("new rule should default to stopped, got %s", rule.Status)
	}
}

func TestFindByIDNotFound(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, _ := model.NewID()
	_, err := s.FindByID(ctx, id)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDeleteRemovesFromIndexAndStorage(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rule, err := s.Create(ctx, CreateRuleParams{
		Name:     "rule",
		Listen:   "0.0.0.0:8000",
		Target:   model.RuleTarget{Addrs: []string{"10.0.0.1:9000"}},
		Protocol: model.ProtocolTCP,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	existed, err := s.Delete(ctx, rule.ID)
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if !existed {
		t.Fatalf("expected Delete to report the rule existed")
	}

	all, err := s.FindAll(ctx)
	if err != nil {
		t.Fatalf("FindAll: %v", err)
	}
	if len(all) != 0 {
		t.Fatalf("expected the index to be empty after delete, got %d", len(all))
	}

	_, err = s.FindByID(ctx, rule.ID)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}

	existedAgain, err := s.Delete(ctx, rule.ID)
	if err != nil {
		t.Fatalf("Delete (second time): %v", err)
	}
	if existedAgain {
		t.Fatalf("deleting a missing rule should report false")
	}
}

func TestEnableClearsStatusAndDisableStops(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rule, err := s.Create(ctx, CreateRuleParams{
		Name:     "rule",
		Listen:   "0.0.0.0:8000",
		Target:   model.RuleTarget{Addrs: []string{"10.0.0.1:9000"}},
		Protocol: model.ProtocolTCP,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := s.UpdateStatus(ctx, rule.ID, model.StatusError); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
	if err := s.Enable(ctx, rule.ID); err != nil {
		t.Fatalf("Enable: %v", err)
	}

	updated, err := s.FindByID(ctx, rule.ID)
	if err != nil {
		t.Fatalf("FindByID: %v", err)
	}
	if !updated.Enabled {
		t.Fatalf("expected rule to be enabled")
	}
	if updated.Status != model.StatusStopped {
		t.Fatalf("Enable should clear a sticky error back to stopped, got %s", updated.Status)
	}

	if err := s.Disable(ctx, rule.ID); err != nil {
		t.Fatalf("Disable: %v", err)
	}
	updated, err = s.FindByID(ctx, rule.ID)
	if err != nil {
		t.Fatalf("FindByID: %v", err)
	}
	if updated.Enabled {
		t.Fatalf("expected rule to be disabled")
	}
}

func TestUpdatePartialFields(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rule, err := s.Create(ctx, CreateRuleParams{
		Name:     "rule",
		Listen:   "0.0.0.0:8000",
		Target:   model.RuleTarget{Addrs: []string{"10.0.0.1:9000"}},
		Protocol: model.ProtocolTCP,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	newName := "renamed"
	updated, err := s.Update(ctx, rule.ID, UpdateRuleParams{Name: &newName})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if updated.Name != newName {
		t.Fatalf("expected name to change to %q, got %q", newName, updated.Name)
	}
	if updated.Listen != rule.Listen {
		t.Fatalf("Listen should be untouched by a name-only update")
	}
}
