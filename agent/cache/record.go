package cache

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	contractx "github.com/tanpawarit/storyweave/agent/contract"
	coordinatorx "github.com/tanpawarit/storyweave/agent/coordinator"
)

// RecordVersion is bumped whenever the on-disk layout changes. Records with
// any other version are ignored.
const RecordVersion = 1

type Status string

const (
	StatusFresh Status = "fresh"
	StatusStale Status = "stale"
)

// Store persists the single cross-turn record. Save replaces the record
// wholesale; Load never fails and returns Empty() when nothing usable exists.
type Store interface {
	Save(ctx context.Context, rec *Record) error
	Load(ctx context.Context) *Record
	Clear(ctx context.Context) error
}

type Stats struct {
	Background coordinatorx.Stats `json:"background"`
	Immediate  coordinatorx.Stats `json:"immediate"`
}

// Record is the result of the last completed background batch plus the
// immediate results of the turn that triggered it.
type Record struct {
	Version    int                         `json:"version"`
	TurnNumber int                         `json:"turn_number"`
	UpdatedAt  time.Time                   `json:"updated_at"`
	Status     Status                      `json:"status"`
	Background map[string]contractx.Result `json:"background"`
	Immediate  map[string]contractx.Result `json:"immediate"`
	Stats      Stats                       `json:"stats"`
}

func NewRecord(turn int, now time.Time) *Record {
	return &Record{
		Version:    RecordVersion,
		TurnNumber: turn,
		UpdatedAt:  now.UTC(),
		Status:     StatusFresh,
		Background: make(map[string]contractx.Result, 8),
		Immediate:  make(map[string]contractx.Result, 4),
	}
}

// Empty is the record used on the first turn or when the cache is unusable.
func Empty() *Record {
	return &Record{
		Version:    RecordVersion,
		Background: make(map[string]contractx.Result),
		Immediate:  make(map[string]contractx.Result),
	}
}

func (r *Record) IsEmpty() bool {
	return r == nil || (r.TurnNumber == 0 && len(r.Background) == 0 && len(r.Immediate) == 0)
}

// MarkStaleness sets Status for a record read at currentTurn. A record is
// stale when more than threshold turns passed since the turn it analysed
// should have fed.
func (r *Record) MarkStaleness(currentTurn, threshold int) {
	if r == nil || r.IsEmpty() {
		return
	}
	lag := currentTurn - r.TurnNumber - 1
	if threshold >= 0 && lag > threshold {
		r.Status = StatusStale
		return
	}
	r.Status = StatusFresh
}

func (r *Record) Fresh() bool {
	return r != nil && !r.IsEmpty() && r.Status != StatusStale
}

// BackgroundResults returns the background results, ids in order first and
// the rest sorted by id.
func (r *Record) BackgroundResults(order []string) []contractx.Result {
	if r == nil {
		return nil
	}
	out := make([]contractx.Result, 0, len(r.Background))
	seen := make(map[string]struct{}, len(order))
	for _, id := range order {
		if res, ok := r.Background[id]; ok {
			seen[id] = struct{}{}
			out = append(out, res)
		}
	}
	for _, id := range sortedKeys(r.Background) {
		if _, ok := seen[id]; ok {
			continue
		}
		out = append(out, r.Background[id])
	}
	return out
}

// normalize brings a record to the canonical in-memory shape shared by
// Save and Load so a save/load round trip is lossless.
func (r *Record) normalize() error {
	if r.Version == 0 {
		r.Version = RecordVersion
	}
	if r.Status == "" {
		r.Status = StatusFresh
	}
	r.UpdatedAt = r.UpdatedAt.UTC()
	if r.Background == nil {
		r.Background = make(map[string]contractx.Result)
	}
	if r.Immediate == nil {
		r.Immediate = make(map[string]contractx.Result)
	}
	for _, m := range []map[string]contractx.Result{r.Background, r.Immediate} {
		for id, res := range m {
			if len(res.Payload) > 0 {
				var buf bytes.Buffer
				if err := json.Compact(&buf, res.Payload); err != nil {
					return fmt.Errorf("result %s: invalid payload: %w", id, err)
				}
				res.Payload = buf.Bytes()
			}
			m[id] = res
		}
	}
	if len(r.Stats.Background.Agents) == 0 {
		r.Stats.Background.Agents = nil
	}
	if len(r.Stats.Immediate.Agents) == 0 {
		r.Stats.Immediate.Agents = nil
	}
	return nil
}

func encodeRecord(r *Record) ([]byte, error) {
	if err := r.normalize(); err != nil {
		return nil, err
	}
	return json.MarshalIndent(r, "", "  ")
}

type versionProbe struct {
	Version *int `json:"version"`
}

// decodeRecord parses a stored record. A missing or different version is
// reported as ErrCacheCorrupt, as is anything that does not parse.
func decodeRecord(raw []byte) (*Record, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: empty document", contractx.ErrCacheCorrupt)
	}

	var probe versionProbe
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, fmt.Errorf("%w: %v", contractx.ErrCacheCorrupt, err)
	}
	if probe.Version == nil {
		return nil, fmt.Errorf("%w: version is missing", contractx.ErrCacheCorrupt)
	}
	if *probe.Version != RecordVersion {
		return nil, fmt.Errorf("%w: version %d, want %d", contractx.ErrCacheCorrupt, *probe.Version, RecordVersion)
	}

	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("%w: %v", contractx.ErrCacheCorrupt, err)
	}
	if err := rec.normalize(); err != nil {
		return nil, fmt.Errorf("%w: %v", contractx.ErrCacheCorrupt, err)
	}
	return &rec, nil
}

func sortedKeys(m map[string]contractx.Result) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
