package rules

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/Klomgor/Maintainerr/internal/logger"
)

// Service is the facade over rule group persistence. It validates input
// against the catalog before anything reaches the store and keeps the
// enabled groups cached between mutations.
type Service struct {
	store   RuleStore
	catalog *Catalog
	cache   RulesCache
	log     *slog.Logger

	// serializes mutations with cache refills so a refill never caches
	// a list that predates a concurrent write
	mu sync.Mutex
}

// NewService creates a facade over store using catalog for validation
func NewService(store RuleStore, catalog *Catalog) *Service {
	return NewServiceWithCache(store, catalog, NewInMemoryRulesCache(DefaultCacheConfig()))
}

// NewServiceWithCache is NewService with a caller supplied cache
func NewServiceWithCache(store RuleStore, catalog *Catalog, cache RulesCache) *Service {
	return &Service{
		store:   store,
		catalog: catalog,
		cache:   cache,
		log:     logger.With("component", "rules"),
	}
}

// Catalog returns the catalog used for validation
func (s *Service) Catalog() *Catalog {
	return s.catalog
}

// Constants returns the field catalog
func (s *Service) Constants() []RuleConstant {
	return s.catalog.Constants()
}

// List returns every rule group
func (s *Service) List(ctx context.Context) ([]RuleGroup, error) {
	groups, err := s.store.LoadAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list rule groups: %w", err)
	}
	for i := range groups {
		s.hydrate(&groups[i])
	}
	return groups, nil
}

// ListEnabled returns the enabled groups. The result is a private copy:
// later edits are not visible through it.
func (s *Service) ListEnabled(ctx context.Context) ([]RuleGroup, error) {
	if groups := s.cache.Get(); groups != nil {
		return groups, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if groups := s.cache.Get(); groups != nil {
		return groups, nil
	}

	all, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	enabled := make([]RuleGroup, 0, len(all))
	for _, g := range all {
		if g.Enabled {
			enabled = append(enabled, g)
		}
	}
	s.cache.Set(enabled)
	return enabled, nil
}

// Get returns one group by id
func (s *Service) Get(ctx context.Context, id int64) (RuleGroup, error) {
	groups, err := s.List(ctx)
	if err != nil {
		return RuleGroup{}, err
	}
	for _, g := range groups {
		if g.ID == id {
			return g, nil
		}
	}
	return RuleGroup{}, &NotFoundError{ID: id}
}

// Upsert validates and saves a group. Validation failures return
// *InvalidRuleError and leave the store untouched; the store replaces a
// group and all its rules in one write.
func (s *Service) Upsert(ctx context.Context, in RuleGroupInput) (RuleGroup, error) {
	in.Joins = normalizeJoins(in.Joins)
	normalized, err := Validate(in, s.catalog)
	if err != nil {
		return RuleGroup{}, err
	}

	group := RuleGroup{
		ID:          in.ID,
		Name:        in.Name,
		Description: in.Description,
		Action:      in.Action,
		LibraryID:   in.LibraryID,
		Enabled:     in.Enabled,
		Rules:       normalized,
		Joins:       in.Joins,
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.store.Save(ctx, &group); err != nil {
		return RuleGroup{}, fmt.Errorf("failed to save rule group: %w", err)
	}
	s.cache.Invalidate()

	s.log.Info("rule group saved", "id", group.ID, "name", group.Name, "rules", len(group.Rules), "enabled", group.Enabled)
	return group.Clone(), nil
}

// Delete removes a group and its rules
func (s *Service) Delete(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.store.Delete(ctx, id); err != nil {
		return fmt.Errorf("failed to delete rule group: %w", err)
	}
	s.cache.Invalidate()

	s.log.Info("rule group deleted", "id", id)
	return nil
}

// hydrate converts rule values loaded from storage (JSON numbers, date
// strings, []any) back to their typed form
func (s *Service) hydrate(g *RuleGroup) {
	for i, r := range g.Rules {
		rc, ok := s.catalog.Lookup(r.Field)
		if !ok {
			s.log.Warn("stored rule references unknown field", "group", g.ID, "field", r.Field)
			continue
		}
		v, err := normalizeRuleValue(rc, r.Operator, r.Value)
		if err != nil {
			s.log.Warn("stored rule has invalid value", "group", g.ID, "field", r.Field, "error", err)
			continue
		}
		g.Rules[i].Value = v
	}
}
