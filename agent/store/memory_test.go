package store

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	contractx "github.com/tanpawarit/storyweave/agent/contract"
)

func TestMemoryStoreAppendAssignsMonotonicIDs(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewMemoryStore()

	first, err := s.Append(ctx, Entry{Kind: KindMemory, Content: "Mira lost the map"}, 3)
	require.NoError(t, err)
	second, err := s.Append(ctx, Entry{Kind: KindFact, Content: "The bridge is out", Tags: []string{" Bridge ", "bridge"}}, 4)
	require.NoError(t, err)
	assert.Greater(t, second, first)

	got, err := s.Get(ctx, []int64{second, first})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, second, got[0].ID, "Get keeps the requested order")
	assert.Equal(t, []string{"bridge"}, got[0].Tags)
	assert.Equal(t, 4, got[0].IntroducedTurn)
	assert.Equal(t, 5, got[0].Significance)
}

func TestMemoryStoreAppendValidates(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore()
	_, err := s.Append(context.Background(), Entry{Kind: "rumour", Content: "x"}, 1)
	assert.True(t, errors.Is(err, contractx.ErrValidation))

	_, err = s.Append(context.Background(), Entry{Kind: KindMemory, Content: "  "}, 1)
	assert.True(t, errors.Is(err, contractx.ErrValidation))
}

func TestMemoryStoreTouchAndArchive(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewMemoryStore()
	id, err := s.Append(ctx, Entry{Kind: KindPlotThread, Title: "Debt to the guild", DeadlineTurn: 12}, 2)
	require.NoError(t, err)

	require.NoError(t, s.Touch(ctx, []int64{id, 999}, 8))
	metas, err := s.ListMeta(ctx, KindPlotThread)
	require.NoError(t, err)
	require.Len(t, metas, 1)
	assert.Equal(t, 1, metas[0].MentionCount)
	assert.Equal(t, 8, metas[0].LastReferencedTurn)
	assert.Equal(t, StatusOpen, metas[0].Status)
	assert.False(t, metas[0].Critical(11))
	assert.True(t, metas[0].Critical(12))

	require.NoError(t, s.Archive(ctx, id))
	metas, err = s.ListMeta(ctx, KindPlotThread)
	require.NoError(t, err)
	assert.Empty(t, metas)

	archived, err := s.ListArchived(ctx, KindPlotThread)
	require.NoError(t, err)
	require.Len(t, archived, 1)
	assert.Equal(t, id, archived[0].ID)
	assert.Equal(t, StatusResolved, archived[0].Status)

	err = s.Archive(ctx, id)
	assert.True(t, errors.Is(err, ErrEntryNotFound))
}

func TestMemoryStoreListMetaFiltersKind(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewMemoryStore()
	_, _ = s.Append(ctx, Entry{Kind: KindMemory, Content: "a"}, 1)
	_, _ = s.Append(ctx, Entry{Kind: KindFact, Content: "b"}, 1)
	_, _ = s.Append(ctx, Entry{Kind: KindMemory, Content: "c"}, 1)

	metas, err := s.ListMeta(ctx, KindMemory)
	require.NoError(t, err)
	require.Len(t, metas, 2)
	assert.Less(t, metas[0].ID, metas[1].ID)

	_, err = s.ListMeta(ctx, "everything")
	assert.True(t, errors.Is(err, contractx.ErrValidation))
}

func TestMemoryCatalogUpsertBumpsRevision(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	c := NewMemoryCatalog(Entity{ID: "Mira", Name: "Mira Vance", Aliases: []string{"the cartographer"}})

	e, err := c.Entity(ctx, "mira")
	require.NoError(t, err)
	assert.Equal(t, 1, e.Revision)
	assert.Equal(t, "mira", e.Ref().ID)

	updated, err := c.Upsert(ctx, Entity{ID: "mira", Name: "Mira Vance", Summary: "now a smuggler"})
	require.NoError(t, err)
	assert.Equal(t, 2, updated.Revision)

	_, err = c.Entity(ctx, "tov")
	assert.True(t, errors.Is(err, ErrEntityNotFound))

	_, err = c.Upsert(ctx, Entity{ID: " "})
	assert.True(t, errors.Is(err, contractx.ErrValidation))
}
