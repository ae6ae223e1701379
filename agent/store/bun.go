package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"

	contractx "github.com/tanpawarit/storyweave/agent/contract"
)

type DatabaseConfig struct {
	DSN         string        `envconfig:"DSN" required:"true"`
	DialTimeout time.Duration `envconfig:"DIAL_TIMEOUT" split_words:"true" default:"5s"`
}

// OpenDB opens a Postgres connection through bun and creates the tables the
// stores need when they are missing.
func OpenDB(ctx context.Context, cfg DatabaseConfig) (*bun.DB, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, fmt.Errorf("%w: database dsn is empty", contractx.ErrValidation)
	}
	timeout := cfg.DialTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	sqldb := sql.OpenDB(pgdriver.NewConnector(
		pgdriver.WithDSN(dsn),
		pgdriver.WithDialTimeout(timeout),
	))
	db := bun.NewDB(sqldb, pgdialect.New())

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if err := Migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

func Migrate(ctx context.Context, db bun.IDB) error {
	models := []any{
		(*entryRow)(nil),
		(*archivedEntryRow)(nil),
		(*entityRow)(nil),
	}
	for _, m := range models {
		if _, err := db.NewCreateTable().Model(m).IfNotExists().Exec(ctx); err != nil {
			return fmt.Errorf("create table for %T: %w", m, err)
		}
	}
	return nil
}

type entryRow struct {
	bun.BaseModel `bun:"table:story_entries,alias:se"`

	ID                 int64    `bun:"id,pk,autoincrement"`
	Kind               string   `bun:"kind,notnull"`
	Title              string   `bun:"title"`
	Content            string   `bun:"content"`
	Status             string   `bun:"status"`
	Significance       int      `bun:"significance,notnull"`
	Tags               []string `bun:"tags,array"`
	Characters         []string `bun:"characters,array"`
	Location           string   `bun:"location"`
	Chapter            int      `bun:"chapter"`
	IntroducedTurn     int      `bun:"introduced_turn,notnull"`
	LastReferencedTurn int      `bun:"last_referenced_turn,notnull"`
	MentionCount       int      `bun:"mention_count,notnull"`
	DeadlineTurn       int      `bun:"deadline_turn"`
	Consequence        string   `bun:"consequence"`
}

type archivedEntryRow struct {
	bun.BaseModel `bun:"table:archived_story_entries,alias:ase"`

	ID                 int64     `bun:"id,pk"`
	Kind               string    `bun:"kind,notnull"`
	Title              string    `bun:"title"`
	Content            string    `bun:"content"`
	Status             string    `bun:"status"`
	Significance       int       `bun:"significance,notnull"`
	Tags               []string  `bun:"tags,array"`
	Characters         []string  `bun:"characters,array"`
	Location           string    `bun:"location"`
	Chapter            int       `bun:"chapter"`
	IntroducedTurn     int       `bun:"introduced_turn,notnull"`
	LastReferencedTurn int       `bun:"last_referenced_turn,notnull"`
	MentionCount       int       `bun:"mention_count,notnull"`
	DeadlineTurn       int       `bun:"deadline_turn"`
	Consequence        string    `bun:"consequence"`
	ArchivedAt         time.Time `bun:"archived_at,nullzero,notnull,default:current_timestamp"`
}

type entityRow struct {
	bun.BaseModel `bun:"table:entities,alias:ent"`

	ID       string   `bun:"id,pk"`
	Name     string   `bun:"name,notnull"`
	Aliases  []string `bun:"aliases,array"`
	Summary  string   `bun:"summary"`
	Traits   []string `bun:"traits,array"`
	Facts    []string `bun:"facts,array"`
	Body     string   `bun:"body"`
	Revision int      `bun:"revision,notnull"`
}

func rowFromEntry(e Entry) *entryRow {
	return &entryRow{
		ID:                 e.ID,
		Kind:               string(e.Kind),
		Title:              e.Title,
		Content:            e.Content,
		Status:             e.Status,
		Significance:       e.Significance,
		Tags:               e.Tags,
		Characters:         e.Characters,
		Location:           e.Location,
		Chapter:            e.Chapter,
		IntroducedTurn:     e.IntroducedTurn,
		LastReferencedTurn: e.LastReferencedTurn,
		MentionCount:       e.MentionCount,
		DeadlineTurn:       e.DeadlineTurn,
		Consequence:        e.Consequence,
	}
}

func (r *entryRow) entry() Entry {
	return Entry{
		ID:                 r.ID,
		Kind:               Kind(r.Kind),
		Title:              r.Title,
		Content:            r.Content,
		Status:             r.Status,
		Significance:       r.Significance,
		Tags:               r.Tags,
		Characters:         r.Characters,
		Location:           r.Location,
		Chapter:            r.Chapter,
		IntroducedTurn:     r.IntroducedTurn,
		LastReferencedTurn: r.LastReferencedTurn,
		MentionCount:       r.MentionCount,
		DeadlineTurn:       r.DeadlineTurn,
		Consequence:        r.Consequence,
	}
}

// BunStore is the Postgres Store.
type BunStore struct {
	db bun.IDB
}

func NewBunStore(db bun.IDB) *BunStore {
	return &BunStore{db: db}
}

func (s *BunStore) Append(ctx context.Context, e Entry, turn int) (int64, error) {
	if err := e.normalize(turn); err != nil {
		return 0, err
	}
	e.ID = 0
	row := rowFromEntry(e)
	if _, err := s.db.NewInsert().Model(row).Returning("id").Exec(ctx); err != nil {
		return 0, fmt.Errorf("insert %s entry: %w", e.Kind, err)
	}
	return row.ID, nil
}

func (s *BunStore) Touch(ctx context.Context, ids []int64, turn int) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.db.NewUpdate().
		Model((*entryRow)(nil)).
		Set("mention_count = mention_count + 1").
		Set("last_referenced_turn = GREATEST(last_referenced_turn, ?)", turn).
		Where("id IN (?)", bun.In(ids)).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("touch entries: %w", err)
	}
	return nil
}

func (s *BunStore) Archive(ctx context.Context, id int64) error {
	return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		row := new(entryRow)
		if err := tx.NewSelect().Model(row).Where("id = ?", id).For("UPDATE").Scan(ctx); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("%w: %d", ErrEntryNotFound, id)
			}
			return fmt.Errorf("load entry %d: %w", id, err)
		}
		if row.Kind == string(KindPlotThread) {
			row.Status = StatusResolved
		}

		archived := archivedEntryRow{
			ID:                 row.ID,
			Kind:               row.Kind,
			Title:              row.Title,
			Content:            row.Content,
			Status:             row.Status,
			Significance:       row.Significance,
			Tags:               row.Tags,
			Characters:         row.Characters,
			Location:           row.Location,
			Chapter:            row.Chapter,
			IntroducedTurn:     row.IntroducedTurn,
			LastReferencedTurn: row.LastReferencedTurn,
			MentionCount:       row.MentionCount,
			DeadlineTurn:       row.DeadlineTurn,
			Consequence:        row.Consequence,
		}
		if _, err := tx.NewInsert().Model(&archived).Exec(ctx); err != nil {
			return fmt.Errorf("archive entry %d: %w", id, err)
		}
		if _, err := tx.NewDelete().Model((*entryRow)(nil)).Where("id = ?", id).Exec(ctx); err != nil {
			return fmt.Errorf("remove archived entry %d: %w", id, err)
		}
		return nil
	})
}

func (s *BunStore) ListMeta(ctx context.Context, kind Kind) ([]Meta, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: unknown entry kind %q", contractx.ErrValidation, kind)
	}
	var rows []entryRow
	err := s.db.NewSelect().
		Model(&rows).
		Column("id", "kind", "title", "status", "significance", "tags", "characters",
			"location", "introduced_turn", "last_referenced_turn", "mention_count", "deadline_turn").
		Where("kind = ?", string(kind)).
		Order("id ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("list %s metadata: %w", kind, err)
	}
	out := make([]Meta, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].entry().Meta())
	}
	return out, nil
}

func (s *BunStore) Get(ctx context.Context, ids []int64) ([]Entry, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var rows []entryRow
	if err := s.db.NewSelect().Model(&rows).Where("id IN (?)", bun.In(ids)).Scan(ctx); err != nil {
		return nil, fmt.Errorf("get entries: %w", err)
	}
	byID := make(map[int64]Entry, len(rows))
	for i := range rows {
		byID[rows[i].ID] = rows[i].entry()
	}
	out := make([]Entry, 0, len(rows))
	for _, id := range ids {
		if e, ok := byID[id]; ok {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *BunStore) ListArchived(ctx context.Context, kind Kind) ([]Entry, error) {
	var rows []archivedEntryRow
	q := s.db.NewSelect().Model(&rows).Order("id ASC")
	if kind != "" {
		q = q.Where("kind = ?", string(kind))
	}
	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("list archived entries: %w", err)
	}
	out := make([]Entry, 0, len(rows))
	for _, r := range rows {
		row := entryRow{
			ID: r.ID, Kind: r.Kind, Title: r.Title, Content: r.Content, Status: r.Status,
			Significance: r.Significance, Tags: r.Tags, Characters: r.Characters,
			Location: r.Location, Chapter: r.Chapter, IntroducedTurn: r.IntroducedTurn,
			LastReferencedTurn: r.LastReferencedTurn, MentionCount: r.MentionCount,
			DeadlineTurn: r.DeadlineTurn, Consequence: r.Consequence,
		}
		out = append(out, row.entry())
	}
	return out, nil
}

// BunCatalog is the Postgres Catalog.
type BunCatalog struct {
	db bun.IDB
}

func NewBunCatalog(db bun.IDB) *BunCatalog {
	return &BunCatalog{db: db}
}

func (c *BunCatalog) Entity(ctx context.Context, id string) (Entity, error) {
	row := new(entityRow)
	if err := c.db.NewSelect().Model(row).Where("id = ?", normalizeID(id)).Scan(ctx); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Entity{}, fmt.Errorf("%w: %s", ErrEntityNotFound, id)
		}
		return Entity{}, fmt.Errorf("load entity %s: %w", id, err)
	}
	return row.entity(), nil
}

func (c *BunCatalog) List(ctx context.Context) ([]Entity, error) {
	var rows []entityRow
	if err := c.db.NewSelect().Model(&rows).Order("id ASC").Scan(ctx); err != nil {
		return nil, fmt.Errorf("list entities: %w", err)
	}
	out := make([]Entity, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].entity())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (c *BunCatalog) Upsert(ctx context.Context, e Entity) (Entity, error) {
	e.ID = normalizeID(e.ID)
	if e.ID == "" {
		return Entity{}, fmt.Errorf("%w: entity id is empty", contractx.ErrValidation)
	}
	if strings.TrimSpace(e.Name) == "" {
		e.Name = e.ID
	}
	row := &entityRow{
		ID:       e.ID,
		Name:     e.Name,
		Aliases:  e.Aliases,
		Summary:  e.Summary,
		Traits:   e.Traits,
		Facts:    e.Facts,
		Body:     e.Body,
		Revision: 1,
	}
	_, err := c.db.NewInsert().
		Model(row).
		On("CONFLICT (id) DO UPDATE").
		Set("name = EXCLUDED.name").
		Set("aliases = EXCLUDED.aliases").
		Set("summary = EXCLUDED.summary").
		Set("traits = EXCLUDED.traits").
		Set("facts = EXCLUDED.facts").
		Set("body = EXCLUDED.body").
		Set("revision = ent.revision + 1").
		Returning("revision").
		Exec(ctx)
	if err != nil {
		return Entity{}, fmt.Errorf("upsert entity %s: %w", e.ID, err)
	}
	e.Revision = row.Revision
	return e, nil
}

func (r *entityRow) entity() Entity {
	return Entity{
		ID:       r.ID,
		Name:     r.Name,
		Aliases:  r.Aliases,
		Summary:  r.Summary,
		Traits:   r.Traits,
		Facts:    r.Facts,
		Body:     r.Body,
		Revision: r.Revision,
	}
}
