// Package store defines the contract between the consumer runtime and the
// external ordered/indexed data store: records, cursors, range subscriptions
// and the small set of requests the runtime issues.
package store

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrNotFound      = errors.New("record not found")
	ErrAlreadyExists = errors.New("already exists")
)

// IgnoreExists swallows ErrAlreadyExists so that create calls can be issued
// on every start.
func IgnoreExists(err error) error {
	if errors.Is(err, ErrAlreadyExists) {
		return nil
	}
	return err
}

// Cursor identifies a position in a log. The empty cursor is the beginning of
// the log. Stores mint cursors whose lexical order equals append order.
type Cursor string

func (c Cursor) After(other Cursor) bool {
	return c > other
}

// FormatCursor renders a log sequence number as a cursor.
func FormatCursor(sequence int64) Cursor {
	return Cursor(fmt.Sprintf("%020d", sequence))
}

type Range struct {
	After Cursor
	Limit int
}

const OpMerge = "merge"

// Operation is a partial update applied by Store.Update. An empty Property
// targets the record root.
type Operation struct {
	Op       string
	Property string
	Value    Record
}

func MergeOp(value Record) Operation {
	return Operation{Op: OpMerge, Value: value}
}

// Apply returns a copy of rec with the operations applied.
func Apply(rec Record, ops []Operation) (Record, error) {
	out := rec.Clone()
	for _, op := range ops {
		if op.Op != OpMerge {
			return nil, fmt.Errorf("unsupported update op %q", op.Op)
		}
		if op.Property == "" {
			out = out.Merge(op.Value)
			continue
		}
		nested, _ := out[op.Property].(map[string]any)
		out[op.Property] = map[string]any(Record(nested).Merge(op.Value))
	}
	return out, nil
}

// IndexDefinition describes a secondary index over a table that keeps only the
// records whose Field equals Equals.
type IndexDefinition struct {
	Table  string
	Field  string
	Equals string
}

func (d IndexDefinition) Matches(rec Record) bool {
	if rec == nil {
		return false
	}
	value, ok := rec[d.Field].(string)
	return ok && value == d.Equals
}

// Project maps a table change (new, old) onto the index change it produces.
// Either side is nil when the record does not belong to the index.
func (d IndexDefinition) Project(newRec, oldRec Record) (Record, Record) {
	if !d.Matches(newRec) {
		newRec = nil
	}
	if !d.Matches(oldRec) {
		oldRec = nil
	}
	return newRec, oldRec
}

// Subscription is a live view over a range. Signals is closed once the
// subscription is closed.
type Subscription interface {
	Signals() <-chan Signal
	Close() error
}

type Store interface {
	CreateTable(ctx context.Context, name string) error
	CreateLog(ctx context.Context, name string) error
	CreateIndex(ctx context.Context, name string, def IndexDefinition) error

	Get(ctx context.Context, table, id string) (Record, error)
	Put(ctx context.Context, table string, rec Record) error
	Update(ctx context.Context, table, id string, ops []Operation) error
	AppendLog(ctx context.Context, log string, rec Record) (Cursor, error)

	ObserveLogRange(ctx context.Context, log string, r Range) (Subscription, error)
	ObserveIndexRange(ctx context.Context, index string, r Range) (Subscription, error)
}
