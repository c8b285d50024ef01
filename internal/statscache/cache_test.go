package statscache

import (
	"testing"

	"github.com/google/uuid"

	"github.com/TheOrdinaryWow/pedicab/internal/model"
)

func TestGetMissingReturnsZeroValue(t *testing.T) {
	c, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	id, _ := uuid.NewV7()
	stats, ok := c.Get(id)
	if ok {
		t.Fatalf("expected a miss for an unknown id")
	}
	if stats != (model.RuleStats{}) {
		t.Fatalf("expected zero-value stats on miss, got %+v", stats)
	}
}

func TestInsertAndGetRoundTrip(t *testing.T) {
	c, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	id, _ := uuid.NewV7()
	want := model.RuleStats{Bandwidth: 42, Speed: 7}
	c.Insert(id, want)

	got, ok := c.Get(id)
	if !ok {
		t.Fatalf("expected a hit after Insert")
	}
	if got != want {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestMutateFoldsOverExistingValue(t *testing.T) {
	c, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	id, _ := uuid.NewV7()
	c.Mutate(id, func(s model.RuleStats) model.RuleStats {
		s.Connections.TCP++
		return s
	})
	c.Mutate(id, func(s model.RuleStats) model.RuleStats {
		s.Connections.TCP++
		return s
	})

	got, _ := c.Get(id)
	if got.Connections.TCP != 2 {
		t.Fatalf("expected two accumulated mutations, got %d", got.Connections.TCP)
	}
}

func TestItemsReturnsEverySeenID(t *testing.T) {
	c, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ids := make([]uuid.UUID, 3)
	for i := range ids {
		id, _ := uuid.NewV7()
		ids[i] = id
		c.Insert(id, model.RuleStats{Bandwidth: uint64(i)})
	}

	items := c.Items()
	if len(items) != len(ids) {
		t.Fatalf("expected %d items, got %d", len(ids), len(items))
	}
	for _, id := range ids {
		if _, ok := items[id]; !ok {
			t.Fatalf("expected id %s in snapshot", id)
		}
	}
}
