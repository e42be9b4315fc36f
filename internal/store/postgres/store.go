// Package postgres implements store.Store on PostgreSQL. Documents are kept as
// jsonb; range subscriptions are served by polling.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/tapelog/tapelog/internal/observability"
	"github.com/tapelog/tapelog/internal/store"
)

const (
	DefaultPollInterval = 250 * time.Millisecond

	codeUniqueViolation     = "23505"
	codeForeignKeyViolation = "23503"
)

type Options struct {
	PollInterval time.Duration
	Logger       *slog.Logger
}

type Store struct {
	db           *sql.DB
	pollInterval time.Duration
	logger       *slog.Logger
}

func New(db *sql.DB, opts Options) *Store {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	return &Store{
		db:           db,
		pollInterval: opts.PollInterval,
		logger:       observability.Component(opts.Logger, "postgres_store"),
	}
}

func (s *Store) CreateTable(ctx context.Context, name string) error {
	if _, err := s.db.ExecContext(ctx, `INSERT INTO store_table (name) VALUES ($1)`, name); err != nil {
		return fmt.Errorf("create table %q: %w", name, mapPgErr(err))
	}
	return nil
}

func (s *Store) CreateLog(ctx context.Context, name string) error {
	if _, err := s.db.ExecContext(ctx, `INSERT INTO store_log (name) VALUES ($1)`, name); err != nil {
		return fmt.Errorf("create log %q: %w", name, mapPgErr(err))
	}
	return nil
}

func (s *Store) CreateIndex(ctx context.Context, name string, def store.IndexDefinition) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO store_index (name, table_name, field, equals)
VALUES ($1, $2, $3, $4)`, name, def.Table, def.Field, def.Equals)
	if err != nil {
		return fmt.Errorf("create index %q: %w", name, mapPgErr(err))
	}
	return nil
}

func (s *Store) Get(ctx context.Context, table, id string) (store.Record, error) {
	var doc []byte
	err := s.db.QueryRowContext(ctx, `
SELECT doc
FROM store_record
WHERE table_name = $1 AND id = $2`, table, id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s/%s: %w", table, id, err)
	}
	return decodeRecord(doc)
}

func (s *Store) Put(ctx context.Context, table string, rec store.Record) error {
	id := rec.ID()
	if id == "" {
		return fmt.Errorf("put into %q: record id is required", table)
	}
	doc, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", table, id, err)
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO store_record (table_name, id, doc)
VALUES ($1, $2, $3::jsonb)
ON CONFLICT (table_name, id)
DO UPDATE SET doc = EXCLUDED.doc, updated_at = NOW()`, table, id, string(doc))
	if err != nil {
		return fmt.Errorf("put %s/%s: %w", table, id, mapPgErr(err))
	}
	return nil
}

// Update applies merge operations inside one transaction. A root merge uses
// jsonb concatenation so fields absent from the value are kept.
func (s *Store) Update(ctx context.Context, table, id string, ops []store.Operation) error {
	for _, op := range ops {
		if op.Op != store.OpMerge {
			return fmt.Errorf("update %s/%s: unsupported update op %q", table, id, op.Op)
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, op := range ops {
		value, err := json.Marshal(op.Value)
		if err != nil {
			return fmt.Errorf("encode update %s/%s: %w", table, id, err)
		}
		var result sql.Result
		if op.Property == "" {
			result, err = tx.ExecContext(ctx, `
UPDATE store_record
SET doc = doc || $3::jsonb, updated_at = NOW()
WHERE table_name = $1 AND id = $2`, table, id, string(value))
		} else {
			result, err = tx.ExecContext(ctx, `
UPDATE store_record
SET doc = jsonb_set(doc, ARRAY[$4::text], COALESCE(doc->($4::text), '{}'::jsonb) || $3::jsonb), updated_at = NOW()
WHERE table_name = $1 AND id = $2`, table, id, string(value), op.Property)
		}
		if err != nil {
			return fmt.Errorf("update %s/%s: %w", table, id, err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		if affected == 0 {
			return fmt.Errorf("update %s/%s: %w", table, id, store.ErrNotFound)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit update %s/%s: %w", table, id, err)
	}
	return nil
}

// AppendLog serializes appenders per log with a transaction-scoped advisory
// lock so positions become visible in increasing order.
func (s *Store) AppendLog(ctx context.Context, log string, rec store.Record) (store.Cursor, error) {
	doc, err := json.Marshal(withoutID(rec))
	if err != nil {
		return "", fmt.Errorf("encode log entry: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, log); err != nil {
		return "", fmt.Errorf("lock log %q: %w", log, err)
	}
	var position int64
	err = tx.QueryRowContext(ctx, `
INSERT INTO store_log_entry (log_name, doc)
VALUES ($1, $2::jsonb)
RETURNING position`, log, string(doc)).Scan(&position)
	if err != nil {
		return "", fmt.Errorf("append to log %q: %w", log, mapPgErr(err))
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit append to log %q: %w", log, err)
	}
	return store.FormatCursor(position), nil
}

func (s *Store) ObserveLogRange(ctx context.Context, log string, r store.Range) (store.Subscription, error) {
	if r.Limit <= 0 {
		return nil, fmt.Errorf("observe log %q: limit must be positive", log)
	}
	after, err := parseCursor(r.After)
	if err != nil {
		return nil, err
	}
	var exists bool
	if err := s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM store_log WHERE name = $1)`, log).Scan(&exists); err != nil {
		return nil, fmt.Errorf("lookup log %q: %w", log, err)
	}
	if !exists {
		return nil, fmt.Errorf("log %q: %w", log, store.ErrNotFound)
	}

	p := &logPoller{store: s, log: log, limit: r.Limit, last: after, feed: store.NewFeed(nil)}
	if err := p.snapshot(ctx); err != nil {
		_ = p.feed.Close()
		return nil, err
	}
	go s.watch(ctx, p.feed, p.poll)
	return p.feed, nil
}

func (s *Store) ObserveIndexRange(ctx context.Context, index string, r store.Range) (store.Subscription, error) {
	if r.Limit <= 0 {
		return nil, fmt.Errorf("observe index %q: limit must be positive", index)
	}
	var def store.IndexDefinition
	err := s.db.QueryRowContext(ctx, `
SELECT table_name, field, equals
FROM store_index
WHERE name = $1`, index).Scan(&def.Table, &def.Field, &def.Equals)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("index %q: %w", index, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("lookup index %q: %w", index, err)
	}

	p := &indexPoller{store: s, def: def, limit: r.Limit, feed: store.NewFeed(nil)}
	if err := p.snapshot(ctx); err != nil {
		_ = p.feed.Close()
		return nil, err
	}
	go s.watch(ctx, p.feed, p.poll)
	return p.feed, nil
}

// watch runs poll on every tick until the feed is closed or ctx ends. Once
// poll reports the range complete it stops querying but keeps the feed open.
func (s *Store) watch(ctx context.Context, feed *store.Feed, poll func(context.Context) (bool, error)) {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = feed.Close()
			return
		case <-feed.Done():
			return
		case <-ticker.C:
			complete, err := poll(ctx)
			if err != nil {
				if ctx.Err() != nil {
					_ = feed.Close()
					return
				}
				s.logger.Warn("subscription poll failed", slog.Any("error", err))
				feed.Push(store.Failed(err))
				return
			}
			if complete {
				select {
				case <-ctx.Done():
					_ = feed.Close()
				case <-feed.Done():
				}
				return
			}
		}
	}
}

type logPoller struct {
	store *Store
	log   string
	limit int
	last  int64
	count int
	feed  *store.Feed
}

func (p *logPoller) snapshot(ctx context.Context) error {
	records, err := p.fetch(ctx)
	if err != nil {
		return err
	}
	p.feed.Push(store.Snapshot(records))
	return nil
}

func (p *logPoller) poll(ctx context.Context) (bool, error) {
	if p.count >= p.limit {
		return true, nil
	}
	records, err := p.fetch(ctx)
	if err != nil {
		return false, err
	}
	for _, rec := range records {
		p.feed.Push(store.Inserted(rec))
	}
	return p.count >= p.limit, nil
}

func (p *logPoller) fetch(ctx context.Context) ([]store.Record, error) {
	rows, err := p.store.db.QueryContext(ctx, `
SELECT position, doc
FROM store_log_entry
WHERE log_name = $1 AND position > $2
ORDER BY position
LIMIT $3`, p.log, p.last, p.limit-p.count)
	if err != nil {
		return nil, fmt.Errorf("read log %q: %w", p.log, err)
	}
	defer rows.Close()

	var out []store.Record
	for rows.Next() {
		var position int64
		var doc []byte
		if err := rows.Scan(&position, &doc); err != nil {
			return nil, fmt.Errorf("scan log entry: %w", err)
		}
		rec, err := decodeRecord(doc)
		if err != nil {
			return nil, err
		}
		rec[store.FieldID] = string(store.FormatCursor(position))
		out = append(out, rec)
		p.last = position
		p.count++
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate log entries: %w", err)
	}
	return out, nil
}

type indexPoller struct {
	store  *Store
	def    store.IndexDefinition
	limit  int
	window []store.Record
	feed   *store.Feed
}

func (p *indexPoller) snapshot(ctx context.Context) error {
	window, err := p.fetch(ctx)
	if err != nil {
		return err
	}
	p.window = window
	p.feed.Push(store.Snapshot(window))
	return nil
}

func (p *indexPoller) poll(ctx context.Context) (bool, error) {
	next, err := p.fetch(ctx)
	if err != nil {
		return false, err
	}
	p.feed.Push(store.DiffWindow(p.window, next)...)
	p.window = next
	return false, nil
}

func (p *indexPoller) fetch(ctx context.Context) ([]store.Record, error) {
	rows, err := p.store.db.QueryContext(ctx, `
SELECT doc
FROM store_record
WHERE table_name = $1 AND doc->>$2 = $3
ORDER BY id
LIMIT $4`, p.def.Table, p.def.Field, p.def.Equals, p.limit)
	if err != nil {
		return nil, fmt.Errorf("read index over %q: %w", p.def.Table, err)
	}
	defer rows.Close()

	var out []store.Record
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		rec, err := decodeRecord(doc)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}
	return out, nil
}

func decodeRecord(doc []byte) (store.Record, error) {
	var rec store.Record
	if err := json.Unmarshal(doc, &rec); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	if rec == nil {
		rec = store.Record{}
	}
	return rec, nil
}

func withoutID(rec store.Record) store.Record {
	out := make(store.Record, len(rec))
	for key, value := range rec {
		if key != store.FieldID {
			out[key] = value
		}
	}
	return out
}

func parseCursor(cursor store.Cursor) (int64, error) {
	if cursor == "" {
		return 0, nil
	}
	position, err := strconv.ParseInt(string(cursor), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid cursor %q: %w", cursor, err)
	}
	return position, nil
}

func mapPgErr(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case codeUniqueViolation:
		return fmt.Errorf("%s: %w", pgErr.Message, store.ErrAlreadyExists)
	case codeForeignKeyViolation:
		return fmt.Errorf("%s: %w", pgErr.Message, store.ErrNotFound)
	default:
		return err
	}
}

var _ store.Store = (*Store)(nil)
