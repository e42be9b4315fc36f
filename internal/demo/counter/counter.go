// Package counter is a small demo projection: "inc" events and commands bump
// named counters kept in the "counters" table.
package counter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"

	"github.com/tapelog/tapelog/internal/commandqueue"
	"github.com/tapelog/tapelog/internal/dispatch"
	"github.com/tapelog/tapelog/internal/eventsourcing"
	"github.com/tapelog/tapelog/internal/observability"
	"github.com/tapelog/tapelog/internal/store"
)

const (
	Table   = "counters"
	TypeInc = "inc"

	fieldName     = "name"
	fieldBy       = "by"
	fieldValue    = "value"
	fieldPosition = "position"
)

type Counters struct {
	store  store.Store
	logger *slog.Logger

	// serializes read-modify-write of counter rows within the process
	mu sync.Mutex
}

func New(st store.Store, logger *slog.Logger) *Counters {
	return &Counters{store: st, logger: observability.Component(logger, "counter")}
}

func (c *Counters) Setup(ctx context.Context) error {
	return store.IgnoreExists(c.store.CreateTable(ctx, Table))
}

// Register installs the event handler on consumer and, when queue is not nil,
// the command handler on queue.
func (c *Counters) Register(consumer *eventsourcing.Consumer, queue *commandqueue.Queue) {
	if consumer != nil {
		consumer.Handle(TypeInc, eventsourcing.HandlerFunc(c.HandleEvent))
	}
	if queue != nil {
		queue.Handle(TypeInc, commandqueue.HandlerFunc(c.HandleCommand))
	}
}

// HandleEvent applies the inc events of one main record to a counter. The
// first event naming the counter applies every inc for it in the main record
// and stores the main cursor; later events of the same record and
// redeliveries of records at or before that cursor are skipped.
func (c *Counters) HandleEvent(ctx context.Context, event, mainEvent store.Record) (dispatch.Result, error) {
	name, _, err := parseInc(event)
	if err != nil {
		return dispatch.Handled(nil), err
	}
	position := mainEvent.Cursor()

	c.mu.Lock()
	defer c.mu.Unlock()
	current, err := c.load(ctx, name)
	if err != nil {
		return dispatch.Handled(nil), err
	}
	if last, _ := current[fieldPosition].(string); last != "" && !position.After(store.Cursor(last)) {
		c.logger.Debug("skipping applied inc", slog.String("counter", name), slog.String("position", string(position)))
		return dispatch.Handled(number(current[fieldValue])), nil
	}
	total, err := sumIncs(name, mainEvent)
	if err != nil {
		return dispatch.Handled(nil), err
	}
	value := number(current[fieldValue]) + total
	rec := store.Record{store.FieldID: name, fieldValue: value, fieldPosition: string(position)}
	if err := c.store.Put(ctx, Table, rec); err != nil {
		return dispatch.Handled(nil), fmt.Errorf("store counter %s: %w", name, err)
	}
	return dispatch.Handled(value), nil
}

// HandleCommand increments the counter and returns its new value.
func (c *Counters) HandleCommand(ctx context.Context, cmd store.Record) (dispatch.Result, error) {
	name, by, err := parseInc(cmd)
	if err != nil {
		return dispatch.Handled(nil), err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	current, err := c.load(ctx, name)
	if err != nil {
		return dispatch.Handled(nil), err
	}
	value := number(current[fieldValue]) + by
	rec := current.Merge(store.Record{store.FieldID: name, fieldValue: value})
	if err := c.store.Put(ctx, Table, rec); err != nil {
		return dispatch.Handled(nil), fmt.Errorf("store counter %s: %w", name, err)
	}
	return dispatch.Handled(value), nil
}

// Value reads the current value of a counter. Unknown counters are zero.
func (c *Counters) Value(ctx context.Context, name string) (float64, error) {
	rec, err := c.load(ctx, name)
	if err != nil {
		return 0, err
	}
	return number(rec[fieldValue]), nil
}

func (c *Counters) load(ctx context.Context, name string) (store.Record, error) {
	rec, err := c.store.Get(ctx, Table, name)
	if errors.Is(err, store.ErrNotFound) {
		return store.Record{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load counter %s: %w", name, err)
	}
	return rec, nil
}

func parseInc(rec store.Record) (string, float64, error) {
	name, _ := rec[fieldName].(string)
	if name == "" {
		return "", 0, fmt.Errorf("inc %s: name is required", rec.ID())
	}
	by := 1.0
	if raw, ok := rec[fieldBy]; ok {
		by = number(raw)
		if math.IsNaN(by) {
			return "", 0, fmt.Errorf("inc %s: by must be a number", rec.ID())
		}
	}
	return name, by, nil
}

// sumIncs adds up the inc events for name carried by rec, walking buckets.
func sumIncs(name string, rec store.Record) (float64, error) {
	if rec.IsBucket() {
		var total float64
		for _, child := range rec.Events() {
			n, err := sumIncs(name, child)
			if err != nil {
				return 0, err
			}
			total += n
		}
		return total, nil
	}
	if rec.Type() != TypeInc {
		return 0, nil
	}
	target, by, err := parseInc(rec)
	if err != nil {
		return 0, err
	}
	if target != name {
		return 0, nil
	}
	return by, nil
}

func number(value any) float64 {
	switch v := value.(type) {
	case nil:
		return 0
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	default:
		return math.NaN()
	}
}
