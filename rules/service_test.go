package rules

import (
	"context"
	"errors"
	"testing"
	"time"
)

func newTestService() (*Service, *InMemoryRuleStore) {
	store := NewInMemoryRuleStore()
	return NewService(store, DefaultCatalog()), store
}

// TestServiceUpsertCreatesAndUpdates verifies create-then-update through the facade
func TestServiceUpsertCreatesAndUpdates(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService()

	in := validInput()
	in.Joins = []Join{"and"}
	created, err := svc.Upsert(ctx, in)
	if err != nil {
		t.Fatalf("Upsert() failed: %v", err)
	}
	if created.ID == 0 {
		t.Fatal("Upsert() should assign an id")
	}
	if created.Joins[0] != JoinAnd {
		t.Errorf("join = %q, want normalized AND", created.Joins[0])
	}

	in.ID = created.ID
	in.Name = "Renamed"
	updated, err := svc.Upsert(ctx, in)
	if err != nil {
		t.Fatalf("Upsert() update failed: %v", err)
	}
	if updated.ID != created.ID || updated.Name != "Renamed" {
		t.Errorf("updated = %+v", updated)
	}

	got, err := svc.Get(ctx, created.ID)
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if got.Name != "Renamed" {
		t.Errorf("Get().Name = %q, want Renamed", got.Name)
	}
}

// TestServiceUpsertInvalidLeavesStoreUntouched verifies failed validation writes nothing
func TestServiceUpsertInvalidLeavesStoreUntouched(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestService()

	in := validInput()
	in.Rules[0].Operator = OpContains
	_, err := svc.Upsert(ctx, in)
	if !errors.Is(err, ErrInvalidRule) {
		t.Fatalf("Upsert() error = %v, want ErrInvalidRule", err)
	}

	groups, _ := store.LoadAll(ctx)
	if len(groups) != 0 {
		t.Errorf("store has %d groups after invalid upsert, want 0", len(groups))
	}
}

// TestServiceNotFound verifies Get, Delete and Upsert of unknown ids
func TestServiceNotFound(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService()

	if _, err := svc.Get(ctx, 7); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() error = %v, want ErrNotFound", err)
	}
	if err := svc.Delete(ctx, 7); !errors.Is(err, ErrNotFound) {
		t.Errorf("Delete() error = %v, want ErrNotFound", err)
	}
	in := validInput()
	in.ID = 7
	if _, err := svc.Upsert(ctx, in); !errors.Is(err, ErrNotFound) {
		t.Errorf("Upsert() error = %v, want ErrNotFound", err)
	}
}

// TestServiceListEnabledSnapshot verifies the cached list is filtered, invalidated on writes and isolated from edits
func TestServiceListEnabledSnapshot(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService()

	enabled := validInput()
	if _, err := svc.Upsert(ctx, enabled); err != nil {
		t.Fatalf("Upsert() failed: %v", err)
	}
	disabled := validInput()
	disabled.Name = "Disabled"
	disabled.Enabled = false
	if _, err := svc.Upsert(ctx, disabled); err != nil {
		t.Fatalf("Upsert() failed: %v", err)
	}

	snapshot, err := svc.ListEnabled(ctx)
	if err != nil {
		t.Fatalf("ListEnabled() failed: %v", err)
	}
	if len(snapshot) != 1 || snapshot[0].Name != "Old movies" {
		t.Fatalf("ListEnabled() = %+v, want only the enabled group", snapshot)
	}

	edit := validInput()
	edit.ID = snapshot[0].ID
	edit.Rules[0].Value = 90
	if _, err := svc.Upsert(ctx, edit); err != nil {
		t.Fatalf("Upsert() failed: %v", err)
	}

	if v := snapshot[0].Rules[0].Value; v != 30.0 {
		t.Errorf("snapshot value changed to %v after edit", v)
	}

	fresh, _ := svc.ListEnabled(ctx)
	if v := fresh[0].Rules[0].Value; v != 90.0 {
		t.Errorf("ListEnabled() after edit value = %v, want 90", v)
	}
}

// TestServiceHydratesStoredValues verifies values loaded from storage regain their types
func TestServiceHydratesStoredValues(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryRuleStore()
	raw := &RuleGroup{
		Name:   "Raw",
		Action: "noop",
		Rules: []Rule{
			{Field: "added_at", Operator: OpLess, Value: "2024-03-01T00:00:00Z"},
			{Field: "genres", Operator: OpContainsAll, Value: []any{"Drama"}},
		},
		Joins: []Join{JoinAnd},
	}
	if err := store.Save(ctx, raw); err != nil {
		t.Fatalf("Save() failed: %v", err)
	}

	svc := NewService(store, DefaultCatalog())
	got, err := svc.Get(ctx, raw.ID)
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if _, ok := got.Rules[0].Value.(time.Time); !ok {
		t.Errorf("added_at value = %T, want time.Time", got.Rules[0].Value)
	}
	if _, ok := got.Rules[1].Value.([]string); !ok {
		t.Errorf("genres value = %T, want []string", got.Rules[1].Value)
	}
}
