package store

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"

	contractx "github.com/tanpawarit/storyweave/agent/contract"
)

// MemoryStore is the in-process Store used for single-session runs and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	nextID   int64
	active   map[int64]Entry
	archived map[int64]Entry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		active:   make(map[int64]Entry, 64),
		archived: make(map[int64]Entry, 16),
	}
}

func (s *MemoryStore) Append(_ context.Context, e Entry, turn int) (int64, error) {
	if err := e.normalize(turn); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	e.ID = s.nextID
	s.active[e.ID] = cloneEntry(e)
	return e.ID, nil
}

func (s *MemoryStore) Touch(_ context.Context, ids []int64, turn int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		e, ok := s.active[id]
		if !ok {
			continue
		}
		e.MentionCount++
		if turn > e.LastReferencedTurn {
			e.LastReferencedTurn = turn
		}
		s.active[id] = e
	}
	return nil
}

func (s *MemoryStore) Archive(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.active[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrEntryNotFound, id)
	}
	if e.Kind == KindPlotThread {
		e.Status = StatusResolved
	}
	delete(s.active, id)
	s.archived[id] = e
	return nil
}

func (s *MemoryStore) ListMeta(_ context.Context, kind Kind) ([]Meta, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: unknown entry kind %q", contractx.ErrValidation, kind)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Meta, 0, len(s.active))
	for _, e := range s.active {
		if e.Kind == kind {
			out = append(out, e.Meta())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) Get(_ context.Context, ids []int64) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Entry, 0, len(ids))
	for _, id := range ids {
		if e, ok := s.active[id]; ok {
			out = append(out, cloneEntry(e))
		}
	}
	return out, nil
}

func (s *MemoryStore) ListArchived(_ context.Context, kind Kind) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Entry, 0, len(s.archived))
	for _, e := range s.archived {
		if kind == "" || e.Kind == kind {
			out = append(out, cloneEntry(e))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func cloneEntry(e Entry) Entry {
	e.Tags = slices.Clone(e.Tags)
	e.Characters = slices.Clone(e.Characters)
	return e
}

// MemoryCatalog is an in-process Catalog.
type MemoryCatalog struct {
	mu       sync.RWMutex
	entities map[string]Entity
}

func NewMemoryCatalog(entities ...Entity) *MemoryCatalog {
	c := &MemoryCatalog{entities: make(map[string]Entity, len(entities))}
	for _, e := range entities {
		_, _ = c.Upsert(context.Background(), e)
	}
	return c
}

func (c *MemoryCatalog) Entity(_ context.Context, id string) (Entity, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entities[normalizeID(id)]
	if !ok {
		return Entity{}, fmt.Errorf("%w: %s", ErrEntityNotFound, id)
	}
	return cloneEntity(e), nil
}

func (c *MemoryCatalog) List(_ context.Context) ([]Entity, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Entity, 0, len(c.entities))
	for _, e := range c.entities {
		out = append(out, cloneEntity(e))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (c *MemoryCatalog) Upsert(_ context.Context, e Entity) (Entity, error) {
	e.ID = normalizeID(e.ID)
	if e.ID == "" {
		return Entity{}, fmt.Errorf("%w: entity id is empty", contractx.ErrValidation)
	}
	if strings.TrimSpace(e.Name) == "" {
		e.Name = e.ID
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	e.Revision = c.entities[e.ID].Revision + 1
	c.entities[e.ID] = cloneEntity(e)
	return cloneEntity(e), nil
}

func normalizeID(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}

func cloneEntity(e Entity) Entity {
	e.Aliases = slices.Clone(e.Aliases)
	e.Traits = slices.Clone(e.Traits)
	e.Facts = slices.Clone(e.Facts)
	return e
}
