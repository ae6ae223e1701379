package store

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	contractx "github.com/tanpawarit/storyweave/agent/contract"
)

var (
	ErrEntryNotFound  = errors.New("story entry not found")
	ErrEntityNotFound = errors.New("entity not found")
)

type Kind string

const (
	KindMemory     Kind = "memory"
	KindPlotThread Kind = "plot_thread"
	KindFact       Kind = "fact"
)

func (k Kind) Valid() bool {
	switch k {
	case KindMemory, KindPlotThread, KindFact:
		return true
	}
	return false
}

const (
	StatusOpen     = "open"
	StatusResolved = "resolved"
)

// Entry is one record of a master store: a memory, a plot thread or a
// knowledge fact. Entries are never deleted; resolved ones move to the archive.
type Entry struct {
	ID                 int64    `json:"id"`
	Kind               Kind     `json:"kind"`
	Title              string   `json:"title,omitempty"`
	Content            string   `json:"content"`
	Status             string   `json:"status,omitempty"`
	Significance       int      `json:"significance"` // 1..10
	Tags               []string `json:"tags,omitempty"`
	Characters         []string `json:"characters,omitempty"`
	Location           string   `json:"location,omitempty"`
	Chapter            int      `json:"chapter,omitempty"`
	IntroducedTurn     int      `json:"introduced_turn"`
	LastReferencedTurn int      `json:"last_referenced_turn"`
	MentionCount       int      `json:"mention_count"`
	DeadlineTurn       int      `json:"deadline_turn,omitempty"` // 0 = no countdown
	Consequence        string   `json:"consequence,omitempty"`
}

// Meta is the part of an Entry the pre-filter may look at without loading
// the content.
type Meta struct {
	ID                 int64
	Kind               Kind
	Title              string
	Status             string
	Significance       int
	Tags               []string
	Characters         []string
	Location           string
	IntroducedTurn     int
	LastReferencedTurn int
	MentionCount       int
	DeadlineTurn       int
}

func (e Entry) Meta() Meta {
	return Meta{
		ID:                 e.ID,
		Kind:               e.Kind,
		Title:              e.Title,
		Status:             e.Status,
		Significance:       e.Significance,
		Tags:               slices.Clone(e.Tags),
		Characters:         slices.Clone(e.Characters),
		Location:           e.Location,
		IntroducedTurn:     e.IntroducedTurn,
		LastReferencedTurn: e.LastReferencedTurn,
		MentionCount:       e.MentionCount,
		DeadlineTurn:       e.DeadlineTurn,
	}
}

// Critical reports whether the entry's countdown has elapsed at turn.
func (m Meta) Critical(turn int) bool {
	return m.DeadlineTurn > 0 && turn >= m.DeadlineTurn && m.Status != StatusResolved
}

// normalize validates e and fills defaults before it is stored.
func (e *Entry) normalize(turn int) error {
	if !e.Kind.Valid() {
		return fmt.Errorf("%w: unknown entry kind %q", contractx.ErrValidation, e.Kind)
	}
	e.Title = strings.TrimSpace(e.Title)
	e.Content = strings.TrimSpace(e.Content)
	if e.Title == "" && e.Content == "" {
		return fmt.Errorf("%w: entry has neither title nor content", contractx.ErrValidation)
	}
	if e.Significance <= 0 {
		e.Significance = 5
	}
	if e.Significance > 10 {
		e.Significance = 10
	}
	if e.Kind == KindPlotThread && e.Status == "" {
		e.Status = StatusOpen
	}
	if e.IntroducedTurn == 0 {
		e.IntroducedTurn = turn
	}
	if e.LastReferencedTurn < e.IntroducedTurn {
		e.LastReferencedTurn = e.IntroducedTurn
	}
	e.Tags = normalizeWords(e.Tags)
	e.Characters = normalizeWords(e.Characters)
	e.Location = strings.ToLower(strings.TrimSpace(e.Location))
	return nil
}

func normalizeWords(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, 0, len(in))
	for _, w := range in {
		w = strings.ToLower(strings.TrimSpace(w))
		if w == "" || slices.Contains(out, w) {
			continue
		}
		out = append(out, w)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// Entity is a character, place or item sheet from the catalog.
type Entity struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	Aliases  []string `json:"aliases,omitempty"`
	Summary  string   `json:"summary,omitempty"`
	Traits   []string `json:"traits,omitempty"`
	Facts    []string `json:"facts,omitempty"`
	Body     string   `json:"body,omitempty"`
	Revision int      `json:"revision"`
}

func (e Entity) Ref() contractx.EntityRef {
	return contractx.EntityRef{ID: e.ID, Name: e.Name, Aliases: slices.Clone(e.Aliases)}
}
