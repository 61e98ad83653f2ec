package rules

import (
	"context"
	"sort"
	"sync"
	"time"
)

// RuleStore persists rule groups together with the rules they own
type RuleStore interface {
	// LoadAll returns every group ordered by id
	LoadAll(ctx context.Context) ([]RuleGroup, error)

	// Save creates the group when ID is zero (assigning the id) or
	// replaces an existing group and all of its rules. It sets CreatedAt
	// and UpdatedAt. Replacing an unknown id returns *NotFoundError.
	Save(ctx context.Context, group *RuleGroup) error

	// Delete removes a group and its rules; unknown ids return *NotFoundError
	Delete(ctx context.Context, id int64) error
}

// InMemoryRuleStore implements RuleStore using an in-memory map.
// Thread-safe with RWMutex.
type InMemoryRuleStore struct {
	groups map[int64]RuleGroup
	nextID int64
	mu     sync.RWMutex
}

// NewInMemoryRuleStore creates a new in-memory rule store
func NewInMemoryRuleStore() *InMemoryRuleStore {
	return &InMemoryRuleStore{
		groups: make(map[int64]RuleGroup),
		nextID: 1,
	}
}

// LoadAll returns copies of all groups
func (s *InMemoryRuleStore) LoadAll(ctx context.Context) ([]RuleGroup, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]RuleGroup, 0, len(s.groups))
	for _, g := range s.groups {
		out = append(out, g.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Save inserts or replaces a group
func (s *InMemoryRuleStore) Save(ctx context.Context, group *RuleGroup) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	if group.ID == 0 {
		group.ID = s.nextID
		s.nextID++
		group.CreatedAt = now
	} else {
		existing, exists := s.groups[group.ID]
		if !exists {
			return &NotFoundError{ID: group.ID}
		}
		// Preserve original CreatedAt timestamp
		group.CreatedAt = existing.CreatedAt
	}
	group.UpdatedAt = now

	s.groups[group.ID] = group.Clone()
	return nil
}

// Delete removes a group and, with it, its rules
func (s *InMemoryRuleStore) Delete(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.groups[id]; !exists {
		return &NotFoundError{ID: id}
	}
	delete(s.groups, id)
	return nil
}
