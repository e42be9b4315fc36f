// Package memory is an in-process implementation of store.Store with live
// range subscriptions. It is suitable for tests, demos and single-process
// embedding.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/tapelog/tapelog/internal/store"
)

type Store struct {
	mu       sync.Mutex
	tables   map[string]map[string]store.Record
	logs     map[string][]store.Record
	indexes  map[string]store.IndexDefinition
	sequence int64

	logSubs   map[string][]*logSubscription
	indexSubs map[string][]*indexSubscription
}

func New() *Store {
	return &Store{
		tables:    make(map[string]map[string]store.Record),
		logs:      make(map[string][]store.Record),
		indexes:   make(map[string]store.IndexDefinition),
		logSubs:   make(map[string][]*logSubscription),
		indexSubs: make(map[string][]*indexSubscription),
	}
}

type logSubscription struct {
	feed  *store.Feed
	after store.Cursor
	limit int
	count int
}

type indexSubscription struct {
	feed   *store.Feed
	def    store.IndexDefinition
	limit  int
	window []store.Record
}

func (s *Store) CreateTable(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tables[name]; ok {
		return fmt.Errorf("table %q: %w", name, store.ErrAlreadyExists)
	}
	s.tables[name] = make(map[string]store.Record)
	return nil
}

func (s *Store) CreateLog(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.logs[name]; ok {
		return fmt.Errorf("log %q: %w", name, store.ErrAlreadyExists)
	}
	s.logs[name] = []store.Record{}
	return nil
}

func (s *Store) CreateIndex(_ context.Context, name string, def store.IndexDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.indexes[name]; ok {
		return fmt.Errorf("index %q: %w", name, store.ErrAlreadyExists)
	}
	if _, ok := s.tables[def.Table]; !ok {
		return fmt.Errorf("index %q source table %q: %w", name, def.Table, store.ErrNotFound)
	}
	s.indexes[name] = def
	return nil
}

func (s *Store) Get(_ context.Context, table, id string) (store.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, ok := s.tables[table]
	if !ok {
		return nil, fmt.Errorf("table %q: %w", table, store.ErrNotFound)
	}
	rec, ok := rows[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return rec.Clone(), nil
}

func (s *Store) Put(_ context.Context, table string, rec store.Record) error {
	id := rec.ID()
	if id == "" {
		return fmt.Errorf("put into %q: record id is required", table)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	rows, ok := s.tables[table]
	if !ok {
		return fmt.Errorf("table %q: %w", table, store.ErrNotFound)
	}
	rows[id] = rec.Clone()
	s.notifyIndexesLocked(table)
	return nil
}

func (s *Store) Update(_ context.Context, table, id string, ops []store.Operation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, ok := s.tables[table]
	if !ok {
		return fmt.Errorf("table %q: %w", table, store.ErrNotFound)
	}
	current, ok := rows[id]
	if !ok {
		return fmt.Errorf("update %s/%s: %w", table, id, store.ErrNotFound)
	}
	updated, err := store.Apply(current, ops)
	if err != nil {
		return fmt.Errorf("update %s/%s: %w", table, id, err)
	}
	rows[id] = updated
	s.notifyIndexesLocked(table)
	return nil
}

func (s *Store) AppendLog(_ context.Context, log string, rec store.Record) (store.Cursor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries, ok := s.logs[log]
	if !ok {
		return "", fmt.Errorf("log %q: %w", log, store.ErrNotFound)
	}

	s.sequence++
	cursor := store.FormatCursor(s.sequence)
	entry := rec.Clone()
	if entry == nil {
		entry = store.Record{}
	}
	entry[store.FieldID] = string(cursor)
	s.logs[log] = append(entries, entry)

	for _, sub := range s.logSubs[log] {
		if sub.count >= sub.limit || !cursor.After(sub.after) {
			continue
		}
		sub.count++
		sub.feed.Push(store.Inserted(entry.Clone()))
	}
	return cursor, nil
}

func (s *Store) ObserveLogRange(ctx context.Context, log string, r store.Range) (store.Subscription, error) {
	if r.Limit <= 0 {
		return nil, fmt.Errorf("observe log %q: limit must be positive", log)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	entries, ok := s.logs[log]
	if !ok {
		return nil, fmt.Errorf("log %q: %w", log, store.ErrNotFound)
	}

	sub := &logSubscription{after: r.After, limit: r.Limit}
	sub.feed = store.NewFeed(func() { s.removeLogSubscription(log, sub) })

	window := make([]store.Record, 0, r.Limit)
	for _, entry := range entries {
		if len(window) >= r.Limit {
			break
		}
		if entry.Cursor().After(r.After) {
			window = append(window, entry.Clone())
		}
	}
	sub.count = len(window)
	sub.feed.Push(store.Snapshot(window))
	s.logSubs[log] = append(s.logSubs[log], sub)

	closeOnDone(ctx, sub.feed)
	return sub.feed, nil
}

func (s *Store) ObserveIndexRange(ctx context.Context, index string, r store.Range) (store.Subscription, error) {
	if r.Limit <= 0 {
		return nil, fmt.Errorf("observe index %q: limit must be positive", index)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	def, ok := s.indexes[index]
	if !ok {
		return nil, fmt.Errorf("index %q: %w", index, store.ErrNotFound)
	}

	sub := &indexSubscription{def: def, limit: r.Limit}
	sub.feed = store.NewFeed(func() { s.removeIndexSubscription(def.Table, sub) })
	sub.window = s.indexWindowLocked(def, r.Limit)
	sub.feed.Push(store.Snapshot(cloneAll(sub.window)))
	s.indexSubs[def.Table] = append(s.indexSubs[def.Table], sub)

	closeOnDone(ctx, sub.feed)
	return sub.feed, nil
}

func (s *Store) notifyIndexesLocked(table string) {
	for _, sub := range s.indexSubs[table] {
		next := s.indexWindowLocked(sub.def, sub.limit)
		signals := store.DiffWindow(sub.window, next)
		sub.window = next
		for i := range signals {
			signals[i].Record = signals[i].Record.Clone()
			signals[i].Old = signals[i].Old.Clone()
		}
		sub.feed.Push(signals...)
	}
}

func (s *Store) indexWindowLocked(def store.IndexDefinition, limit int) []store.Record {
	rows := s.tables[def.Table]
	matching := make([]store.Record, 0, len(rows))
	for _, rec := range rows {
		if projected, _ := def.Project(rec, nil); projected != nil {
			matching = append(matching, projected)
		}
	}
	sort.Slice(matching, func(i, j int) bool { return matching[i].ID() < matching[j].ID() })
	if len(matching) > limit {
		matching = matching[:limit]
	}
	return matching
}

func (s *Store) removeLogSubscription(log string, sub *logSubscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	subs := s.logSubs[log]
	for i, existing := range subs {
		if existing == sub {
			s.logSubs[log] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(s.logSubs[log]) == 0 {
		delete(s.logSubs, log)
	}
}

func (s *Store) removeIndexSubscription(table string, sub *indexSubscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	subs := s.indexSubs[table]
	for i, existing := range subs {
		if existing == sub {
			s.indexSubs[table] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(s.indexSubs[table]) == 0 {
		delete(s.indexSubs, table)
	}
}

func closeOnDone(ctx context.Context, feed *store.Feed) {
	if ctx.Done() == nil {
		return
	}
	go func() {
		select {
		case <-ctx.Done():
			_ = feed.Close()
		case <-feed.Done():
		}
	}()
}

func cloneAll(records []store.Record) []store.Record {
	out := make([]store.Record, len(records))
	for i, rec := range records {
		out[i] = rec.Clone()
	}
	return out
}

var _ store.Store = (*Store)(nil)
