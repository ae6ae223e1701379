package tiering

import (
	"fmt"
	"strings"

	storex "github.com/tanpawarit/storyweave/agent/store"
)

type Tier string

const (
	TierFull      Tier = "full"
	TierExtracted Tier = "extracted"
	TierSkipped   Tier = "skipped"
)

// TieredRef records the tier chosen for one entity this turn.
type TieredRef struct {
	EntityID string `json:"entity_id"`
	Tier     Tier   `json:"tier"`
	Reason   string `json:"reason"`
}

type Extract struct {
	EntityID string
	Name     string
	Summary  string
}

// Selection is what the pre-filter kept from one master store.
type Selection struct {
	Kind     storex.Kind
	Total    int
	Entries  []storex.Entry
	Critical map[int64]bool
}

// Document is the reduced context for one turn.
type Document struct {
	Turn      int
	Refs      []TieredRef
	Full      []storex.Entity
	Extracted []Extract
	Stores    []Selection
}

// Tier returns the tier assigned to id, or TierSkipped.
func (d *Document) Tier(id string) Tier {
	for _, r := range d.Refs {
		if r.EntityID == id {
			return r.Tier
		}
	}
	return TierSkipped
}

// Fetched returns how many full store entries were loaded.
func (d *Document) Fetched() int {
	n := 0
	for _, s := range d.Stores {
		n += len(s.Entries)
	}
	return n
}

func (d *Document) Render() string {
	if d == nil {
		return ""
	}
	var b strings.Builder

	if len(d.Full) > 0 {
		b.WriteString("## Characters in scene\n")
		for _, e := range d.Full {
			writeFullEntity(&b, e)
		}
	}

	if len(d.Extracted) > 0 {
		section(&b, "## Also referenced")
		for _, x := range d.Extracted {
			fmt.Fprintf(&b, "### %s\n%s\n", x.Name, x.Summary)
		}
	}

	for _, s := range d.Stores {
		if len(s.Entries) == 0 {
			continue
		}
		section(&b, "## "+storeTitle(s.Kind))
		for _, e := range s.Entries {
			writeEntry(&b, e, s.Critical[e.ID])
		}
	}

	return strings.TrimRight(b.String(), "\n")
}

func section(b *strings.Builder, title string) {
	if b.Len() > 0 {
		b.WriteString("\n")
	}
	b.WriteString(title)
	b.WriteString("\n")
}

func writeFullEntity(b *strings.Builder, e storex.Entity) {
	fmt.Fprintf(b, "### %s\n", e.Name)
	if len(e.Aliases) > 0 {
		fmt.Fprintf(b, "Also known as: %s\n", strings.Join(e.Aliases, ", "))
	}
	if e.Summary != "" {
		b.WriteString(e.Summary)
		b.WriteString("\n")
	}
	if len(e.Traits) > 0 {
		fmt.Fprintf(b, "Traits: %s\n", strings.Join(e.Traits, ", "))
	}
	for _, f := range e.Facts {
		fmt.Fprintf(b, "- %s\n", f)
	}
	if body := strings.TrimSpace(e.Body); body != "" {
		b.WriteString(body)
		b.WriteString("\n")
	}
}

func writeEntry(b *strings.Builder, e storex.Entry, critical bool) {
	fmt.Fprintf(b, "- [#%d] ", e.ID)
	if critical {
		b.WriteString("CRITICAL ")
	}
	switch {
	case e.Title != "" && e.Content != "":
		fmt.Fprintf(b, "%s: %s", e.Title, e.Content)
	case e.Title != "":
		b.WriteString(e.Title)
	default:
		b.WriteString(e.Content)
	}
	if e.DeadlineTurn > 0 {
		fmt.Fprintf(b, " (deadline turn %d", e.DeadlineTurn)
		if e.Consequence != "" {
			fmt.Fprintf(b, "; otherwise %s", e.Consequence)
		}
		b.WriteString(")")
	}
	b.WriteString("\n")
}

func storeTitle(k storex.Kind) string {
	switch k {
	case storex.KindPlotThread:
		return "Open plot threads"
	case storex.KindMemory:
		return "Relevant memories"
	case storex.KindFact:
		return "World knowledge"
	}
	return string(k)
}
