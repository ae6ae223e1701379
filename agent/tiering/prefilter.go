package tiering

import (
	"sort"
	"strings"
	"unicode"

	storex "github.com/tanpawarit/storyweave/agent/store"
)

const (
	weightTag       = 3
	weightCharacter = 4
	weightLocation  = 2
	weightTitle     = 1
)

// Criteria is what the current turn is about, as far as metadata can tell.
type Criteria struct {
	Turn       int
	Keywords   map[string]struct{}
	Characters map[string]struct{}
	Location   string
}

func NewCriteria(turn int, keywords, characters []string, location string) Criteria {
	c := Criteria{
		Turn:       turn,
		Keywords:   make(map[string]struct{}, len(keywords)),
		Characters: make(map[string]struct{}, len(characters)),
		Location:   strings.ToLower(strings.TrimSpace(location)),
	}
	for _, k := range keywords {
		c.Keywords[strings.ToLower(k)] = struct{}{}
	}
	for _, ch := range characters {
		if ch = strings.ToLower(strings.TrimSpace(ch)); ch != "" {
			c.Characters[ch] = struct{}{}
		}
	}
	return c
}

// Score rates how relevant an entry is to the turn using metadata only.
func Score(m storex.Meta, c Criteria) int {
	score := 0
	for _, tag := range m.Tags {
		if _, ok := c.Keywords[tag]; ok {
			score += weightTag
		}
	}
	for _, w := range Keywords(m.Title) {
		if _, ok := c.Keywords[w]; ok {
			score += weightTitle
		}
	}
	for _, ch := range m.Characters {
		if _, ok := c.Characters[ch]; ok {
			score += weightCharacter
		}
	}
	if c.Location != "" && m.Location == c.Location {
		score += weightLocation
	}

	score += m.Significance / 2

	switch age := c.Turn - m.LastReferencedTurn; {
	case age <= 3:
		score += 3
	case age <= 10:
		score++
	}
	return score
}

// Candidate is a pre-filter pick.
type Candidate struct {
	Meta     storex.Meta
	Score    int
	Critical bool
}

// Select narrows metas to at most limit candidates. Entries whose countdown
// elapsed come first, then higher score, then the most recently referenced,
// then the lowest id.
func Select(metas []storex.Meta, c Criteria, limit int) []Candidate {
	if limit <= 0 || len(metas) == 0 {
		return nil
	}
	all := make([]Candidate, 0, len(metas))
	for _, m := range metas {
		all = append(all, Candidate{Meta: m, Score: Score(m, c), Critical: m.Critical(c.Turn)})
	}
	sort.SliceStable(all, func(i, j int) bool {
		a, b := all[i], all[j]
		if a.Critical != b.Critical {
			return a.Critical
		}
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.Meta.LastReferencedTurn != b.Meta.LastReferencedTurn {
			return a.Meta.LastReferencedTurn > b.Meta.LastReferencedTurn
		}
		return a.Meta.ID < b.Meta.ID
	})
	if len(all) > limit {
		all = all[:limit]
	}
	return all
}

var stopwords = map[string]struct{}{
	"the": {}, "and": {}, "but": {}, "for": {}, "with": {}, "that": {}, "this": {},
	"then": {}, "than": {}, "from": {}, "into": {}, "onto": {}, "over": {}, "under": {},
	"was": {}, "were": {}, "are": {}, "has": {}, "have": {}, "had": {}, "not": {},
	"you": {}, "your": {}, "she": {}, "her": {}, "him": {}, "his": {}, "they": {},
	"them": {}, "their": {}, "its": {}, "our": {}, "out": {}, "who": {}, "what": {},
	"when": {}, "where": {}, "why": {}, "how": {}, "all": {}, "any": {}, "can": {},
	"will": {}, "would": {}, "could": {}, "should": {}, "just": {}, "about": {},
	"there": {}, "here": {}, "again": {}, "back": {}, "some": {}, "very": {},
}

// Keywords lowercases text and returns its distinct content words in order.
func Keywords(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
	})
	out := make([]string, 0, len(fields))
	seen := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		f = strings.Trim(f, "'")
		f = strings.TrimSuffix(f, "'s")
		if len([]rune(f)) < 3 {
			continue
		}
		if _, ok := stopwords[f]; ok {
			continue
		}
		if _, ok := seen[f]; ok {
			continue
		}
		seen[f] = struct{}{}
		out = append(out, f)
	}
	return out
}
