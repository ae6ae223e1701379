package cache

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	contractx "github.com/tanpawarit/storyweave/agent/contract"
	coordinatorx "github.com/tanpawarit/storyweave/agent/coordinator"
)

func newTestFileStore(t *testing.T) *FileStore {
	t.Helper()
	store, err := NewFileStore(filepath.Join(t.TempDir(), "state", "analysis.json"), WithFileLogger(zerolog.Nop()))
	require.NoError(t, err)
	return store
}

func sampleRecord(turn int) *Record {
	rec := NewRecord(turn, time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC))
	rec.Background["scene"] = contractx.Result{
		AgentID:     "scene",
		Description: "Scene tracker",
		Success:     true,
		Duration:    420 * time.Millisecond,
		Payload:     json.RawMessage(`{"participants":["mira","tov"],"location":"harbor"}`),
		Text:        "Participants: mira, tov",
	}
	rec.Background["plot_threads"] = contractx.Result{
		AgentID:   "plot_threads",
		Duration:  2 * time.Second,
		ErrorKind: contractx.ErrorKindTimeout,
		Error:     "no result within batch deadline",
	}
	rec.Immediate["mentions"] = contractx.Result{
		AgentID:  "mentions",
		Success:  true,
		Duration: 90 * time.Millisecond,
		Payload:  json.RawMessage(`{"entity_ids":["mira"]}`),
	}
	rec.Stats = Stats{
		Background: coordinatorx.Stats{
			BatchID:   "batch-1",
			Total:     2,
			Succeeded: 1,
			Failed:    1,
			TimedOut:  1,
			Elapsed:   2 * time.Second,
			Agents: map[string]coordinatorx.AgentStat{
				"scene":        {Duration: 420 * time.Millisecond, Success: true},
				"plot_threads": {Duration: 2 * time.Second, ErrorKind: contractx.ErrorKindTimeout},
			},
		},
	}
	return rec
}

func TestFileStoreRoundTrip(t *testing.T) {
	t.Parallel()

	store := newTestFileStore(t)
	rec := sampleRecord(7)
	require.NoError(t, store.Save(context.Background(), rec))

	got := store.Load(context.Background())
	assert.Equal(t, rec, got)
	assert.Equal(t, 7, got.TurnNumber)
	assert.Equal(t, StatusFresh, got.Status)
}

func TestFileStoreLoadMissingReturnsEmpty(t *testing.T) {
	t.Parallel()

	store := newTestFileStore(t)
	got := store.Load(context.Background())
	require.NotNil(t, got)
	assert.True(t, got.IsEmpty())
	assert.NotNil(t, got.Background)
	assert.NotNil(t, got.Immediate)
}

func TestFileStoreLoadCorruptReturnsEmpty(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"truncated":      `{"version":1,"turn_number":4,"background":{"scene":`,
		"future version": `{"version":99,"turn_number":4,"background":{},"immediate":{}}`,
		"no version":     `{"turn_number":4}`,
		"not json":       `turn 4`,
		"empty":          ``,
	}

	for name, body := range cases {
		body := body
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			store := newTestFileStore(t)
			require.NoError(t, os.MkdirAll(filepath.Dir(store.Path()), 0o755))
			require.NoError(t, os.WriteFile(store.Path(), []byte(body), 0o600))

			got := store.Load(context.Background())
			assert.True(t, got.IsEmpty())
			assert.Equal(t, RecordVersion, got.Version)
		})
	}
}

func TestFileStoreSecondSaveReplacesFirst(t *testing.T) {
	t.Parallel()

	store := newTestFileStore(t)
	require.NoError(t, store.Save(context.Background(), sampleRecord(3)))

	second := NewRecord(4, time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC))
	second.Background["knowledge"] = contractx.Result{AgentID: "knowledge", Success: true, Payload: json.RawMessage(`{"facts":[]}`)}
	require.NoError(t, store.Save(context.Background(), second))

	got := store.Load(context.Background())
	assert.Equal(t, 4, got.TurnNumber)
	assert.Len(t, got.Background, 1)
	assert.Contains(t, got.Background, "knowledge")
	assert.Empty(t, got.Immediate)

	entries, err := os.ReadDir(filepath.Dir(store.Path()))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp files must not be left behind")
}

func TestFileStoreClear(t *testing.T) {
	t.Parallel()

	store := newTestFileStore(t)
	require.NoError(t, store.Save(context.Background(), sampleRecord(41)))
	require.Equal(t, 41, store.Load(context.Background()).TurnNumber)

	require.NoError(t, store.Clear(context.Background()))
	assert.True(t, store.Load(context.Background()).IsEmpty())

	require.NoError(t, store.Clear(context.Background()), "clearing twice is fine")
}

func TestFileStoreSaveFailureIsWriteFailure(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	blocker := filepath.Join(dir, "blocker")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o600))

	store, err := NewFileStore(filepath.Join(blocker, "analysis.json"), WithFileLogger(zerolog.Nop()))
	require.NoError(t, err)

	err = store.Save(context.Background(), sampleRecord(1))
	require.Error(t, err)
	assert.True(t, errors.Is(err, contractx.ErrWriteFailure))
}

func TestNewFileStoreRejectsEmptyPath(t *testing.T) {
	t.Parallel()

	_, err := NewFileStore("  ")
	assert.True(t, errors.Is(err, contractx.ErrValidation))
}

func TestMarkStaleness(t *testing.T) {
	t.Parallel()

	rec := sampleRecord(10)

	rec.MarkStaleness(11, 3)
	assert.True(t, rec.Fresh())

	rec.MarkStaleness(14, 3)
	assert.True(t, rec.Fresh(), "lag of exactly the threshold is still fresh")

	rec.MarkStaleness(15, 3)
	assert.False(t, rec.Fresh())
	assert.Equal(t, StatusStale, rec.Status)

	empty := Empty()
	empty.MarkStaleness(50, 3)
	assert.False(t, empty.Fresh())
	assert.NotEqual(t, StatusStale, empty.Status)
}

func TestBackgroundResultsOrdering(t *testing.T) {
	t.Parallel()

	rec := NewRecord(2, time.Now())
	rec.Background["knowledge"] = contractx.Result{AgentID: "knowledge"}
	rec.Background["scene"] = contractx.Result{AgentID: "scene"}
	rec.Background["memories"] = contractx.Result{AgentID: "memories"}

	got := rec.BackgroundResults([]string{"scene"})
	require.Len(t, got, 3)
	assert.Equal(t, "scene", got[0].AgentID)
	assert.Equal(t, "knowledge", got[1].AgentID)
	assert.Equal(t, "memories", got[2].AgentID)
}
