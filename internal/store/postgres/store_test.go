package postgres

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/tapelog/tapelog/internal/store"
)

func TestCreateTableMapsUniqueViolation(t *testing.T) {
	db, mock := newSQLMock(t)
	s := New(db, Options{})

	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO store_table (name) VALUES ($1)`)).
		WithArgs("commands").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO store_table (name) VALUES ($1)`)).
		WithArgs("commands").
		WillReturnError(&pgconn.PgError{Code: "23505", Message: "duplicate key value"})

	if err := s.CreateTable(context.Background(), "commands"); err != nil {
		t.Fatalf("CreateTable() error = %v", err)
	}
	err := s.CreateTable(context.Background(), "commands")
	if !errors.Is(err, store.ErrAlreadyExists) {
		t.Fatalf("CreateTable() error = %v, want ErrAlreadyExists", err)
	}
	assertSQLMock(t, mock)
}

func TestCreateIndexOnMissingTable(t *testing.T) {
	db, mock := newSQLMock(t)
	s := New(db, Options{})

	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO store_index (name, table_name, field, equals)`)).
		WithArgs("commands_new", "commands", "state", "new").
		WillReturnError(&pgconn.PgError{Code: "23503", Message: "violates foreign key constraint"})

	err := s.CreateIndex(context.Background(), "commands_new", store.IndexDefinition{Table: "commands", Field: "state", Equals: "new"})
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("CreateIndex() error = %v, want ErrNotFound", err)
	}
	assertSQLMock(t, mock)
}

func TestGetDecodesDocumentAndMapsNoRows(t *testing.T) {
	db, mock := newSQLMock(t)
	s := New(db, Options{})

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT doc`)).
		WithArgs("eventConsumers", "events.worker").
		WillReturnRows(sqlmock.NewRows([]string{"doc"}).AddRow([]byte(`{"id":"events.worker","position":"00000000000000000003"}`)))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT doc`)).
		WithArgs("eventConsumers", "missing").
		WillReturnError(sql.ErrNoRows)

	rec, err := s.Get(context.Background(), "eventConsumers", "events.worker")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if rec["position"] != "00000000000000000003" {
		t.Fatalf("Get() = %#v", rec)
	}
	if _, err := s.Get(context.Background(), "eventConsumers", "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("Get() error = %v, want ErrNotFound", err)
	}
	assertSQLMock(t, mock)
}

func TestPutUpserts(t *testing.T) {
	db, mock := newSQLMock(t)
	s := New(db, Options{})

	mock.ExpectExec(regexp.QuoteMeta(`ON CONFLICT (table_name, id)`)).
		WithArgs("commands", "c1", `{"id":"c1","state":"new"}`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := s.Put(context.Background(), "commands", store.Record{"id": "c1", "state": "new"}); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if err := s.Put(context.Background(), "commands", store.Record{"state": "new"}); err == nil {
		t.Fatal("Put() without id should fail")
	}
	assertSQLMock(t, mock)
}

func TestUpdateMergesInTransaction(t *testing.T) {
	db, mock := newSQLMock(t)
	s := New(db, Options{})

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`SET doc = doc || $3::jsonb`)).
		WithArgs("commands", "c1", `{"result":4,"state":"done"}`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`SET doc = jsonb_set(doc, ARRAY[$4::text]`)).
		WithArgs("commands", "c1", `{"attempt":1}`, "meta").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := s.Update(context.Background(), "commands", "c1", []store.Operation{
		store.MergeOp(store.Record{"state": "done", "result": 4}),
		{Op: store.OpMerge, Property: "meta", Value: store.Record{"attempt": 1}},
	})
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	assertSQLMock(t, mock)
}

func TestUpdateMissingRecordRollsBack(t *testing.T) {
	db, mock := newSQLMock(t)
	s := New(db, Options{})

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE store_record`)).
		WithArgs("commands", "ghost", `{"state":"done"}`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := s.Update(context.Background(), "commands", "ghost", []store.Operation{store.MergeOp(store.Record{"state": "done"})})
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("Update() error = %v, want ErrNotFound", err)
	}
	if err := s.Update(context.Background(), "commands", "ghost", []store.Operation{{Op: "replace"}}); err == nil {
		t.Fatal("Update() expected error for unsupported op")
	}
	assertSQLMock(t, mock)
}

func TestAppendLogReturnsCursor(t *testing.T) {
	db, mock := newSQLMock(t)
	s := New(db, Options{})

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`SELECT pg_advisory_xact_lock(hashtext($1))`)).
		WithArgs("events").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO store_log_entry (log_name, doc)`)).
		WithArgs("events", `{"type":"inc"}`).
		WillReturnRows(sqlmock.NewRows([]string{"position"}).AddRow(int64(42)))
	mock.ExpectCommit()

	cursor, err := s.AppendLog(context.Background(), "events", store.Record{"id": "ignored", "type": "inc"})
	if err != nil {
		t.Fatalf("AppendLog() error = %v", err)
	}
	if cursor != store.FormatCursor(42) {
		t.Fatalf("cursor = %s", cursor)
	}
	assertSQLMock(t, mock)
}

func TestObserveLogRangeSendsSnapshot(t *testing.T) {
	db, mock := newSQLMock(t)
	s := New(db, Options{PollInterval: time.Hour})

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT EXISTS (SELECT 1 FROM store_log WHERE name = $1)`)).
		WithArgs("events").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectQuery(regexp.QuoteMeta(`FROM store_log_entry`)).
		WithArgs("events", int64(5), int64(2)).
		WillReturnRows(sqlmock.NewRows([]string{"position", "doc"}).AddRow(int64(7), []byte(`{"type":"inc"}`)))

	sub, err := s.ObserveLogRange(context.Background(), "events", store.Range{After: store.FormatCursor(5), Limit: 2})
	if err != nil {
		t.Fatalf("ObserveLogRange() error = %v", err)
	}
	defer sub.Close()

	sig := receive(t, sub)
	if sig.Kind != store.SignalSnapshot || len(sig.Records) != 1 {
		t.Fatalf("signal = %+v", sig)
	}
	if sig.Records[0].Cursor() != store.FormatCursor(7) || sig.Records[0].Type() != "inc" {
		t.Fatalf("record = %#v", sig.Records[0])
	}
	assertSQLMock(t, mock)
}

func TestObserveLogRangeUnknownLog(t *testing.T) {
	db, mock := newSQLMock(t)
	s := New(db, Options{})

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT EXISTS`)).
		WithArgs("nope").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

	if _, err := s.ObserveLogRange(context.Background(), "nope", store.Range{Limit: 1}); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("ObserveLogRange() error = %v, want ErrNotFound", err)
	}
	if _, err := s.ObserveLogRange(context.Background(), "nope", store.Range{After: "x", Limit: 1}); err == nil {
		t.Fatal("ObserveLogRange() expected error for malformed cursor")
	}
	assertSQLMock(t, mock)
}

func TestLogPollerStopsAtLimit(t *testing.T) {
	db, mock := newSQLMock(t)
	s := New(db, Options{})
	p := &logPoller{store: s, log: "events", limit: 2, last: 7, count: 1, feed: store.NewFeed(nil)}
	defer p.feed.Close()

	mock.ExpectQuery(regexp.QuoteMeta(`FROM store_log_entry`)).
		WithArgs("events", int64(7), int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"position", "doc"}).AddRow(int64(9), []byte(`{"type":"inc"}`)))

	complete, err := p.poll(context.Background())
	if err != nil {
		t.Fatalf("poll() error = %v", err)
	}
	if !complete {
		t.Fatal("poll() should report the range complete")
	}
	if sig := receive(t, p.feed); sig.Kind != store.SignalInserted || sig.ID != string(store.FormatCursor(9)) {
		t.Fatalf("signal = %+v", sig)
	}
	if complete, _ := p.poll(context.Background()); !complete {
		t.Fatal("poll() after limit should not query again")
	}
	assertSQLMock(t, mock)
}

func TestIndexPollerDiffsWindow(t *testing.T) {
	db, mock := newSQLMock(t)
	s := New(db, Options{})
	def := store.IndexDefinition{Table: "commands", Field: "state", Equals: "new"}
	p := &indexPoller{store: s, def: def, limit: 10, feed: store.NewFeed(nil)}
	defer p.feed.Close()

	mock.ExpectQuery(regexp.QuoteMeta(`WHERE table_name = $1 AND doc->>$2 = $3`)).
		WithArgs("commands", "state", "new", int64(10)).
		WillReturnRows(sqlmock.NewRows([]string{"doc"}).AddRow([]byte(`{"id":"a","state":"new"}`)))
	mock.ExpectQuery(regexp.QuoteMeta(`WHERE table_name = $1 AND doc->>$2 = $3`)).
		WithArgs("commands", "state", "new", int64(10)).
		WillReturnRows(sqlmock.NewRows([]string{"doc"}).AddRow([]byte(`{"id":"b","state":"new"}`)))

	if err := p.snapshot(context.Background()); err != nil {
		t.Fatalf("snapshot() error = %v", err)
	}
	if sig := receive(t, p.feed); sig.Kind != store.SignalSnapshot || len(sig.Records) != 1 {
		t.Fatalf("snapshot signal = %+v", sig)
	}
	if _, err := p.poll(context.Background()); err != nil {
		t.Fatalf("poll() error = %v", err)
	}
	if sig := receive(t, p.feed); sig.Kind != store.SignalRemoved || sig.ID != "a" {
		t.Fatalf("first diff signal = %+v", sig)
	}
	if sig := receive(t, p.feed); sig.Kind != store.SignalInserted || sig.ID != "b" {
		t.Fatalf("second diff signal = %+v", sig)
	}
	assertSQLMock(t, mock)
}

func TestObserveIndexRangeUnknownIndex(t *testing.T) {
	db, mock := newSQLMock(t)
	s := New(db, Options{})

	mock.ExpectQuery(regexp.QuoteMeta(`FROM store_index`)).
		WithArgs("jobs_new").
		WillReturnError(sql.ErrNoRows)

	if _, err := s.ObserveIndexRange(context.Background(), "jobs_new", store.Range{Limit: 5}); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("ObserveIndexRange() error = %v, want ErrNotFound", err)
	}
	assertSQLMock(t, mock)
}

func receive(t *testing.T, sub store.Subscription) store.Signal {
	t.Helper()
	select {
	case sig, ok := <-sub.Signals():
		if !ok {
			t.Fatal("subscription closed")
		}
		return sig
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for signal")
	}
	return store.Signal{}
}

func newSQLMock(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db, mock
}

func assertSQLMock(t *testing.T, mock sqlmock.Sqlmock) {
	t.Helper()
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet sql expectations: %v", err)
	}
}
