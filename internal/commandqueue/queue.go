// Package commandqueue processes the live window of "new" records in a
// command table and writes a terminal state back to each of them.
package commandqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tapelog/tapelog/internal/dispatch"
	"github.com/tapelog/tapelog/internal/observability"
	"github.com/tapelog/tapelog/internal/store"
)

const (
	DefaultLimit        = 100
	DefaultReleaseDelay = time.Second

	FieldResult = "result"
	FieldError  = "error"
)

var (
	ErrDisposed       = errors.New("queue disposed")
	ErrAlreadyStarted = errors.New("queue already started")
)

type Handler interface {
	HandleCommand(ctx context.Context, cmd store.Record) (dispatch.Result, error)
}

type HandlerFunc func(ctx context.Context, cmd store.Record) (dispatch.Result, error)

func (f HandlerFunc) HandleCommand(ctx context.Context, cmd store.Record) (dispatch.Result, error) {
	return f(ctx, cmd)
}

type Options struct {
	Store  store.Store
	Table  string
	Limit  int
	Filter func(store.Record) bool
	// ReleaseDelay is how long a finished command id stays in the in-flight
	// set after its terminal state was written.
	ReleaseDelay time.Duration
	Logger       *slog.Logger
}

// IndexName is the index of new commands kept for table.
func IndexName(table string) string {
	return table + "_new"
}

// IndexDefinition selects the records of table whose state is new.
func IndexDefinition(table string) store.IndexDefinition {
	return store.IndexDefinition{Table: table, Field: store.FieldState, Equals: store.StateNew}
}

type Queue struct {
	store        store.Store
	table        string
	limit        int
	filter       func(store.Record) bool
	releaseDelay time.Duration
	logger       *slog.Logger
	handlers     *dispatch.Registry[Handler]

	mu       sync.Mutex
	inflight map[string]store.Record
	sub      store.Subscription
	started  bool
	disposed bool
	err      error

	tasks    sync.WaitGroup
	done     chan struct{}
	doneOnce sync.Once
}

func New(opts Options) (*Queue, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if opts.Table == "" {
		return nil, fmt.Errorf("table is required")
	}
	if opts.Limit <= 0 {
		opts.Limit = DefaultLimit
	}
	if opts.ReleaseDelay <= 0 {
		opts.ReleaseDelay = DefaultReleaseDelay
	}
	return &Queue{
		store:        opts.Store,
		table:        opts.Table,
		limit:        opts.Limit,
		filter:       opts.Filter,
		releaseDelay: opts.ReleaseDelay,
		logger:       observability.Component(opts.Logger, "command_queue").With(slog.String("queue", opts.Table)),
		handlers:     dispatch.NewRegistry[Handler](),
		inflight:     make(map[string]store.Record),
		done:         make(chan struct{}),
	}, nil
}

func (q *Queue) Handle(commandType string, h Handler) {
	q.handlers.Add(commandType, h)
}

func (q *Queue) HandleFunc(commandType string, fn HandlerFunc) {
	q.handlers.Add(commandType, fn)
}

// HandleAll registers a fallback consulted when no typed handler accepts a
// command.
func (q *Queue) HandleAll(h Handler) {
	q.handlers.AddAll(h)
}

func (q *Queue) Table() string {
	return q.table
}

// Start ensures the table and its new-commands index exist and subscribes to
// the first Limit new commands. It returns once the initial window has been
// received.
func (q *Queue) Start(ctx context.Context) error {
	q.mu.Lock()
	switch {
	case q.disposed:
		q.mu.Unlock()
		return ErrDisposed
	case q.started:
		q.mu.Unlock()
		return ErrAlreadyStarted
	}
	q.started = true
	q.mu.Unlock()

	sub, first, err := q.subscribe(ctx)
	if err != nil {
		q.mu.Lock()
		q.started = false
		disposed := q.disposed
		q.mu.Unlock()
		if disposed {
			q.closeDone()
		}
		return err
	}

	q.mu.Lock()
	if q.disposed {
		q.mu.Unlock()
		_ = sub.Close()
		q.closeDone()
		return ErrDisposed
	}
	q.sub = sub
	q.mu.Unlock()

	q.logger.Info("command queue started", slog.Int("limit", q.limit))
	go q.run(ctx, sub, first)
	return nil
}

func (q *Queue) subscribe(ctx context.Context) (store.Subscription, store.Signal, error) {
	if err := store.IgnoreExists(q.store.CreateTable(ctx, q.table)); err != nil {
		return nil, store.Signal{}, fmt.Errorf("create table %q: %w", q.table, err)
	}
	if err := store.IgnoreExists(q.store.CreateIndex(ctx, IndexName(q.table), IndexDefinition(q.table))); err != nil {
		return nil, store.Signal{}, fmt.Errorf("create index %q: %w", IndexName(q.table), err)
	}
	sub, err := q.store.ObserveIndexRange(ctx, IndexName(q.table), store.Range{Limit: q.limit})
	if err != nil {
		return nil, store.Signal{}, fmt.Errorf("observe %q: %w", IndexName(q.table), err)
	}

	select {
	case sig, ok := <-sub.Signals():
		switch {
		case !ok:
			return nil, store.Signal{}, fmt.Errorf("observe %q: subscription closed before first window", IndexName(q.table))
		case sig.Kind == store.SignalFailed:
			_ = sub.Close()
			return nil, store.Signal{}, fmt.Errorf("observe %q: %w", IndexName(q.table), sig.Err)
		}
		return sub, sig, nil
	case <-ctx.Done():
		_ = sub.Close()
		return nil, store.Signal{}, ctx.Err()
	}
}

// Dispose unsubscribes from the live window. Commands already dispatched keep
// running; use Drain to wait for them.
func (q *Queue) Dispose() {
	q.mu.Lock()
	q.disposed = true
	sub := q.sub
	started := q.started
	q.mu.Unlock()

	if sub != nil {
		_ = sub.Close()
	}
	if !started {
		q.closeDone()
	}
}

// Drain waits for dispatched commands to finish writing back their state.
func (q *Queue) Drain(ctx context.Context) error {
	drained := make(chan struct{})
	go func() {
		q.tasks.Wait()
		close(drained)
	}()
	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed once the queue has stopped receiving commands.
func (q *Queue) Done() <-chan struct{} {
	return q.done
}

func (q *Queue) Err() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.err
}

func (q *Queue) Wait() error {
	<-q.done
	return q.Err()
}

// Inflight reports how many command ids are currently held.
func (q *Queue) Inflight() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.inflight)
}

func (q *Queue) run(ctx context.Context, sub store.Subscription, first store.Signal) {
	defer q.closeDone()
	q.apply(ctx, first)
	for sig := range sub.Signals() {
		if q.isDisposed() {
			return
		}
		q.apply(ctx, sig)
	}
}

func (q *Queue) apply(ctx context.Context, sig store.Signal) {
	switch sig.Kind {
	case store.SignalSnapshot:
		for _, cmd := range sig.Records {
			q.handleCommand(ctx, cmd)
		}
	case store.SignalInserted:
		q.handleCommand(ctx, sig.Record)
	case store.SignalFailed:
		q.fail(fmt.Errorf("subscription failed: %w", sig.Err))
	}
	// Mutations of commands already in the window are not new work.
}

func (q *Queue) handleCommand(ctx context.Context, cmd store.Record) {
	if q.filter != nil && !q.filter(cmd) {
		return
	}
	if cmd.State() != store.StateNew {
		return
	}
	id := cmd.ID()

	q.mu.Lock()
	if q.disposed {
		q.mu.Unlock()
		return
	}
	if _, busy := q.inflight[id]; busy {
		q.mu.Unlock()
		return
	}
	q.inflight[id] = cmd
	n := len(q.inflight)
	q.tasks.Add(1)
	q.mu.Unlock()

	observability.SetCommandsInflight(q.table, n)
	go q.process(ctx, cmd)
}

func (q *Queue) process(ctx context.Context, cmd store.Record) {
	defer q.tasks.Done()
	start := time.Now()
	id := cmd.ID()
	logger := q.logger.With(slog.String("command_id", id), slog.String("command_type", cmd.Type()))

	res, err := q.dispatch(ctx, cmd)
	var update store.Record
	switch {
	case err == nil:
		update = store.Record{store.FieldState: store.StateDone, FieldResult: res.Value()}
	case errors.Is(err, dispatch.ErrNotHandled), dispatch.IsPanic(err):
		q.fail(err)
		return
	default:
		logger.Warn("command failed", slog.Any("error", err))
		update = store.Record{store.FieldState: store.StateFailed, FieldError: err.Error()}
	}

	writeCtx := context.WithoutCancel(ctx)
	if err := q.store.Update(writeCtx, q.table, id, []store.Operation{store.MergeOp(update)}); err != nil {
		q.fail(fmt.Errorf("write back command %s: %w", id, err))
		return
	}
	state := update.State()
	observability.ObserveCommand(q.table, state, time.Since(start))
	logger.Debug("command finished", slog.String("state", state), slog.Duration("elapsed", time.Since(start)))

	time.AfterFunc(q.releaseDelay, func() { q.release(id) })
}

// dispatch tries typed handlers then catch-all handlers and stops at the first
// one that accepts the command.
func (q *Queue) dispatch(ctx context.Context, cmd store.Record) (dispatch.Result, error) {
	for _, handlers := range [][]Handler{q.handlers.Typed(cmd.Type()), q.handlers.All()} {
		for _, h := range handlers {
			res, err := dispatch.Call(func() (dispatch.Result, error) {
				return h.HandleCommand(ctx, cmd)
			})
			if err != nil {
				return res, err
			}
			if !res.IsIgnored() {
				return res, nil
			}
		}
	}
	return dispatch.Ignored(), fmt.Errorf("%q command %s: %w", cmd.Type(), cmd.ID(), dispatch.ErrNotHandled)
}

func (q *Queue) release(id string) {
	q.mu.Lock()
	delete(q.inflight, id)
	n := len(q.inflight)
	q.mu.Unlock()
	observability.SetCommandsInflight(q.table, n)
}

func (q *Queue) fail(err error) {
	q.mu.Lock()
	if q.err == nil {
		q.err = err
	}
	q.mu.Unlock()
	q.logger.Error("command queue halted", slog.Any("error", err))
	q.Dispose()
}

func (q *Queue) isDisposed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.disposed
}

func (q *Queue) closeDone() {
	q.doneOnce.Do(func() { close(q.done) })
}
