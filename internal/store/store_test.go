package store

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestFormatCursorOrdersLexically(t *testing.T) {
	if got := FormatCursor(7); got != "00000000000000000007" {
		t.Fatalf("FormatCursor(7) = %q", got)
	}
	if !FormatCursor(10).After(FormatCursor(9)) {
		t.Fatal("cursor 10 should sort after cursor 9")
	}
	if !FormatCursor(1).After("") {
		t.Fatal("any cursor should sort after the empty cursor")
	}
}

func TestIgnoreExists(t *testing.T) {
	if err := IgnoreExists(fmt.Errorf("table x: %w", ErrAlreadyExists)); err != nil {
		t.Fatalf("IgnoreExists() = %v", err)
	}
	other := errors.New("boom")
	if err := IgnoreExists(other); !errors.Is(err, other) {
		t.Fatalf("IgnoreExists() = %v, want %v", err, other)
	}
}

func TestApplyMergeLeavesOtherFieldsUntouched(t *testing.T) {
	rec := Record{"id": "c1", "type": "inc", "state": "new", "payload": map[string]any{"n": 1}}
	out, err := Apply(rec, []Operation{MergeOp(Record{"state": "done", "result": 2})})
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if out.State() != StateDone || out["result"] != 2 || out.Type() != "inc" {
		t.Fatalf("Apply() = %#v", out)
	}
	if rec.State() != StateNew {
		t.Fatal("Apply() mutated its input")
	}
}

func TestApplyNestedPropertyAndUnsupportedOp(t *testing.T) {
	rec := Record{"id": "c1", "meta": map[string]any{"a": 1}}
	out, err := Apply(rec, []Operation{{Op: OpMerge, Property: "meta", Value: Record{"b": 2}}})
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	meta := out["meta"].(map[string]any)
	if meta["a"] != 1 || meta["b"] != 2 {
		t.Fatalf("meta = %#v", meta)
	}
	if _, err := Apply(rec, []Operation{{Op: "delete"}}); err == nil {
		t.Fatal("Apply() expected error for unsupported op")
	}
}

func TestRecordEventsAcceptsDecodedShapes(t *testing.T) {
	typed := Record{"type": "bucket", "events": []Record{{"type": "inc"}}}
	decoded := Record{"type": "bucket", "events": []any{map[string]any{"type": "inc"}, "junk"}}
	for _, rec := range []Record{typed, decoded} {
		events := rec.Events()
		if len(events) != 1 || events[0].Type() != "inc" {
			t.Fatalf("Events() = %#v", events)
		}
	}
	if (Record{"type": "inc"}).Events() != nil {
		t.Fatal("non-bucket record should have no events")
	}
}

func TestRecordCloneIsDeep(t *testing.T) {
	rec := Record{"id": "1", "events": []Record{{"type": "inc"}}}
	clone := rec.Clone()
	clone.Events()[0]["type"] = "dec"
	if rec.Events()[0].Type() != "inc" {
		t.Fatal("Clone() shares nested records")
	}
}

func TestIndexDefinitionProject(t *testing.T) {
	def := IndexDefinition{Table: "commands", Field: FieldState, Equals: StateNew}
	newRec, oldRec := def.Project(Record{"state": "done"}, Record{"state": "new"})
	if newRec != nil || oldRec == nil {
		t.Fatalf("Project() = %v, %v", newRec, oldRec)
	}
}

func TestDiffWindow(t *testing.T) {
	prev := []Record{{"id": "a", "v": 1}, {"id": "b", "v": 1}, {"id": "c", "v": 1}}
	next := []Record{{"id": "b", "v": 2}, {"id": "c", "v": 1}, {"id": "d", "v": 1}}

	signals := DiffWindow(prev, next)
	want := []struct {
		kind SignalKind
		id   string
	}{
		{SignalRemoved, "a"},
		{SignalMutated, "b"},
		{SignalInserted, "d"},
	}
	if len(signals) != len(want) {
		t.Fatalf("DiffWindow() returned %d signals: %+v", len(signals), signals)
	}
	for i, w := range want {
		if signals[i].Kind != w.kind || signals[i].ID != w.id {
			t.Fatalf("signal[%d] = %s %s, want %s %s", i, signals[i].Kind, signals[i].ID, w.kind, w.id)
		}
	}
	if signals[1].Old["v"] != 1 {
		t.Fatalf("mutation old value = %#v", signals[1].Old)
	}
}

func TestFeedDeliversInOrderWithoutBlockingPush(t *testing.T) {
	closed := make(chan struct{})
	feed := NewFeed(func() { close(closed) })
	for i := 0; i < 100; i++ {
		feed.Push(Inserted(Record{"id": fmt.Sprint(i)}))
	}
	for i := 0; i < 100; i++ {
		select {
		case sig := <-feed.Signals():
			if sig.ID != fmt.Sprint(i) {
				t.Fatalf("signal %d id = %q", i, sig.ID)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for signal %d", i)
		}
	}

	if err := feed.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	_ = feed.Close()
	<-closed
	select {
	case _, ok := <-feed.Signals():
		if ok {
			t.Fatal("Signals() delivered after close")
		}
	case <-time.After(time.Second):
		t.Fatal("Signals() not closed after Close()")
	}
}
