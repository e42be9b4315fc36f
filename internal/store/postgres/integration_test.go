//go:build integration

package postgres

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/tapelog/tapelog/internal/commandqueue"
	"github.com/tapelog/tapelog/internal/dispatch"
	"github.com/tapelog/tapelog/internal/eventsourcing"
	"github.com/tapelog/tapelog/internal/migrations"
	"github.com/tapelog/tapelog/internal/store"
	"github.com/tapelog/tapelog/internal/testutil/pgtest"
)

func newIntegrationStore(t *testing.T) *Store {
	t.Helper()
	db, _ := pgtest.TemporaryDatabase(t, "store")
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	if _, err := migrations.NewRunner().Up(ctx, db, 0); err != nil {
		t.Fatalf("runner.Up() error = %v", err)
	}
	return New(db, Options{PollInterval: 20 * time.Millisecond})
}

func TestStoreCreateIsIgnorableOnRepeat(t *testing.T) {
	s := newIntegrationStore(t)
	ctx := context.Background()
	if err := s.CreateTable(ctx, "t"); err != nil {
		t.Fatalf("CreateTable() error = %v", err)
	}
	if err := s.CreateTable(ctx, "t"); !errors.Is(err, store.ErrAlreadyExists) {
		t.Fatalf("CreateTable() repeat error = %v", err)
	}
	if _, err := s.AppendLog(ctx, "missing", store.Record{}); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("AppendLog() on missing log error = %v", err)
	}
}

func TestConsumerOverPostgresProcessesBuckets(t *testing.T) {
	s := newIntegrationStore(t)
	ctx := context.Background()

	c, err := eventsourcing.New(eventsourcing.Options{Store: s, Log: "events", Name: "it", FetchSize: 4})
	if err != nil {
		t.Fatalf("eventsourcing.New() error = %v", err)
	}
	var count int
	c.HandleFunc("inc", func(context.Context, store.Record, store.Record) (dispatch.Result, error) {
		count++
		return dispatch.Handled(nil), nil
	})
	if err := c.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	var last store.Cursor
	for i := 0; i < 10; i++ {
		last, err = s.AppendLog(ctx, "events", store.Record{
			"type":   "bucket",
			"events": []store.Record{{"type": "inc"}, {"type": "inc"}},
		})
		if err != nil {
			t.Fatalf("AppendLog() error = %v", err)
		}
	}

	deadline := time.Now().Add(10 * time.Second)
	for c.Position() != last {
		if time.Now().After(deadline) {
			t.Fatalf("consumer position = %s, want %s", c.Position(), last)
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err := c.Dispose(ctx); err != nil {
		t.Fatalf("Dispose() error = %v", err)
	}
	if count != 20 {
		t.Fatalf("inc dispatches = %d, want 20", count)
	}
	cp, err := eventsourcing.LoadCheckpoint(ctx, s, c.ID())
	if err != nil || cp.Position != last {
		t.Fatalf("checkpoint = %+v, %v; want %s", cp, err, last)
	}
}

func TestQueueOverPostgresCompletesCommands(t *testing.T) {
	s := newIntegrationStore(t)
	ctx := context.Background()

	q, err := commandqueue.New(commandqueue.Options{Store: s, Table: "commands", ReleaseDelay: 50 * time.Millisecond})
	if err != nil {
		t.Fatalf("commandqueue.New() error = %v", err)
	}
	q.HandleFunc("echo", func(_ context.Context, cmd store.Record) (dispatch.Result, error) {
		return dispatch.Handled(cmd.ID()), nil
	})
	if err := q.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer q.Dispose()

	for i := 0; i < 10; i++ {
		id := fmt.Sprintf("cmd-%d", i)
		if err := s.Put(ctx, "commands", store.Record{"id": id, "type": "echo", "state": "new"}); err != nil {
			t.Fatalf("Put() error = %v", err)
		}
	}

	deadline := time.Now().Add(10 * time.Second)
	for i := 0; i < 10; i++ {
		id := fmt.Sprintf("cmd-%d", i)
		for {
			rec, err := s.Get(ctx, "commands", id)
			if err == nil && rec.State() == store.StateDone {
				if rec[commandqueue.FieldResult] != id {
					t.Fatalf("%s result = %v", id, rec[commandqueue.FieldResult])
				}
				break
			}
			if time.Now().After(deadline) {
				t.Fatalf("%s did not reach done", id)
			}
			time.Sleep(10 * time.Millisecond)
		}
	}
}
