package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/TheOrdinaryWow/pedicab/internal/model"
)

// CreateRuleParams is the input to Create. Optional fields take their
// zero-value default when absent, matching pedicab_db's CreateRuleParams.
type CreateRuleParams struct {
	Name     string
	Listen   string
	Target   model.RuleTarget
	Protocol model.RuleProtocol
	Config   *model.RuleConfig
	Remarks  *string
}

// UpdateRuleParams patches any subset of a rule's mutable fields; nil
// fields are left untouched, except that a nil Status resets a sticky
// Error status to Stopped (see Update).
type UpdateRuleParams struct {
	Name     *string
	Listen   *string
	Target   *model.RuleTarget
	Protocol *model.RuleProtocol
	Config   *model.RuleConfig
	Enabled  *bool
	Status   *model.RuleStatus
	Remarks  *string
}

// FindAll returns rules in index order — the index is the authoritative
// enumeration, so a rule whose row exists but whose id was dropped from
// the index is not returned.
func (s *Store) FindAll(ctx context.Context) ([]model.Rule, error) {
	ids, err := s.readIndex(ctx)
	if err != nil {
		return nil, err
	}

	rules := make([]model.Rule, 0, len(ids))
	for _, id := range ids {
		r, ok, err := s.find(ctx, id)
		if err != nil {
			return nil, err
		}
		if ok {
			rules = append(rules, *r)
		}
	}
	return rules, nil
}

func (s *Store) find(ctx context.Context, id uuid.UUID) (*model.Rule, bool, error) {
	raw, ok, err := s.get(ctx, ruleKey(id))
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	r, err := decodeRule(raw)
	if err != nil {
		return nil, false, err
	}
	return r, true, nil
}

// FindByID returns a single rule, or ErrNotFound if it does not exist.
func (s *Store) FindByID(ctx context.Context, id uuid.UUID) (*model.Rule, error) {
	r, ok, err := s.find(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return r, nil
}

// Count returns the number of indexed rules.
func (s *Store) Count(ctx context.Context) (uint64, error) {
	ids, err := s.readIndex(ctx)
	if err != nil {
		return 0, err
	}
	return uint64(len(ids)), nil
}

// Create assigns a fresh time-ordered id, persists the rule, and adds it
// to the index. Defaults: enabled=false, status=Stopped, stats=zero,
// remarks="".
func (s *Store) Create(ctx context.Context, params CreateRuleParams) (*model.Rule, error) {
	id, err := model.NewID()
	if err != nil {
		return nil, fmt.Errorf("%w: generating rule id: %v", ErrStorage, err)
	}

	config := model.RuleConfig{}
	if params.Config != nil {
		config = *params.Config
	}
	remarks := ""
	if params.Remarks != nil {
		remarks = *params.Remarks
	}

	rule := &model.Rule{
		ID:       id,
		Name:     params.Name,
		Listen:   params.Listen,
		Target:   params.Target,
		Protocol: params.Protocol,
		Config:   config,
		Enabled:  false,
		Status:   model.StatusStopped,
		Stats:    model.RuleStats{},
		Remarks:  remarks,
	}

	buf, err := encodeRule(rule)
	if err != nil {
		return nil, err
	}
	if err := s.put(ctx, ruleKey(id), buf); err != nil {
		return nil, err
	}
	if err := s.addToIndex(ctx, id); err != nil {
		return nil, err
	}

	return rule, nil
}

// mutate loads a rule, applies fn, persists the result, and returns the
// updated rule. fn must not change the rule's id.
func (s *Store) mutate(ctx context.Context, id uuid.UUID, fn func(*model.Rule)) (*model.Rule, error) {
	rule, err := s.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}

	fn(rule)

	buf, err := encodeRule(rule)
	if err != nil {
		return nil, err
	}
	if err := s.put(ctx, ruleKey(id), buf); err != nil {
		return nil, err
	}
	return rule, nil
}

// Update patches any subset of a rule's mutable fields. Updating a rule
// in the sticky Error status clears it back to Stopped, unless the
// update sets Status itself.
func (s *Store) Update(ctx context.Context, id uuid.UUID, params UpdateRuleParams) (*model.Rule, error) {
	return s.mutate(ctx, id, func(r *model.Rule) {
		if params.Name != nil {
			r.Name = *params.Name
		}
		if params.Listen != nil {
			r.Listen = *params.Listen
		}
		if params.Target != nil {
			r.Target = *params.Target
		}
		if params.Protocol != nil {
			r.Protocol = *params.Protocol
		}
		if params.Config != nil {
			r.Config = *params.Config
		}
		if params.Enabled != nil {
			r.Enabled = *params.Enabled
		}
		if params.Status != nil {
			r.Status = *params.Status
		} else if r.Status == model.StatusError {
			r.Status = model.StatusStopped
		}
		if params.Remarks != nil {
			r.Remarks = *params.Remarks
		}
	})
}

// UpdateStatus is a field-scoped fast path for writing just the status.
func (s *Store) UpdateStatus(ctx context.Context, id uuid.UUID, status model.RuleStatus) error {
	_, err := s.mutate(ctx, id, func(r *model.Rule) { r.Status = status })
	return err
}

// UpdateStats is a field-scoped fast path for writing just the stats,
// used by the forward manager's periodic flush.
func (s *Store) UpdateStats(ctx context.Context, id uuid.UUID, stats model.RuleStats) error {
	_, err := s.mutate(ctx, id, func(r *model.Rule) { r.Stats = stats })
	return err
}

// Enable sets enabled=true, status=Stopped — clearing a sticky Error.
func (s *Store) Enable(ctx context.Context, id uuid.UUID) error {
	_, err := s.mutate(ctx, id, func(r *model.Rule) {
		r.Enabled = true
		r.Status = model.StatusStopped
	})
	return err
}

// Disable sets enabled=false, status=Stopped.
func (s *Store) Disable(ctx context.Context, id uuid.UUID) error {
	_, err := s.mutate(ctx, id, func(r *model.Rule) {
		r.Enabled = false
		r.Status = model.StatusStopped
	})
	return err
}

// Delete removes the rule's row and its id from the index. Returns
// whether the rule existed.
func (s *Store) Delete(ctx context.Context, id uuid.UUID) (bool, error) {
	existed, err := s.delete(ctx, ruleKey(id))
	if err != nil {
		return false, err
	}
	if existed {
		if err := s.removeFromIndex(ctx, id); err != nil {
			return false, err
		}
	}
	return existed, nil
}
