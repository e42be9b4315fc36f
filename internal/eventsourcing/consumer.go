// Package eventsourcing turns an ordered event log into dispatched
// application events with a durable, throttled consumer checkpoint.
package eventsourcing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tapelog/tapelog/internal/dispatch"
	"github.com/tapelog/tapelog/internal/observability"
	"github.com/tapelog/tapelog/internal/reader"
	"github.com/tapelog/tapelog/internal/store"
)

// ConsumersTable holds one checkpoint record per log consumer.
const ConsumersTable = "eventConsumers"

const (
	DefaultFetchSize    = 100
	DefaultSaveThrottle = time.Second

	fieldPosition = "position"
)

var (
	ErrDisposed       = errors.New("consumer disposed")
	ErrAlreadyStarted = errors.New("consumer already started")
)

// Handler receives an event and the top-level log record it arrived in. For
// events outside any bucket both arguments are the same record.
type Handler interface {
	HandleEvent(ctx context.Context, event, mainEvent store.Record) (dispatch.Result, error)
}

type HandlerFunc func(ctx context.Context, event, mainEvent store.Record) (dispatch.Result, error)

func (f HandlerFunc) HandleEvent(ctx context.Context, event, mainEvent store.Record) (dispatch.Result, error) {
	return f(ctx, event, mainEvent)
}

type Options struct {
	Store        store.Store
	Log          string
	Name         string
	FetchSize    int
	SaveThrottle time.Duration
	// Filter returns false for records that should be skipped. Skipped
	// records still advance the checkpoint.
	Filter func(store.Record) bool
	Logger *slog.Logger
	Now    func() time.Time
}

// Checkpoint is the durable progress record of one consumer.
type Checkpoint struct {
	ID       string       `json:"id"`
	Position store.Cursor `json:"position"`
}

// ConsumerID identifies the checkpoint of consumer name on log.
func ConsumerID(log, name string) string {
	return log + "." + name
}

// LoadCheckpoint reads a stored checkpoint.
func LoadCheckpoint(ctx context.Context, st store.Store, consumerID string) (Checkpoint, error) {
	rec, err := st.Get(ctx, ConsumersTable, consumerID)
	if err != nil {
		return Checkpoint{}, err
	}
	position, _ := rec[fieldPosition].(string)
	return Checkpoint{ID: consumerID, Position: store.Cursor(position)}, nil
}

type Consumer struct {
	store     store.Store
	log       string
	id        string
	fetchSize int
	throttle  time.Duration
	filter    func(store.Record) bool
	logger    *slog.Logger
	now       func() time.Time
	handlers  *dispatch.Registry[Handler]

	mu       sync.Mutex
	position store.Cursor
	lastSave time.Time
	timer    *time.Timer
	reader    *reader.Reader
	starting  bool
	started   bool
	disposing bool
	baseCtx   context.Context
	err       error

	saveMu    sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
}

func New(opts Options) (*Consumer, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if opts.Log == "" || opts.Name == "" {
		return nil, fmt.Errorf("log and consumer name are required")
	}
	if opts.FetchSize <= 0 {
		opts.FetchSize = DefaultFetchSize
	}
	if opts.SaveThrottle <= 0 {
		opts.SaveThrottle = DefaultSaveThrottle
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	id := ConsumerID(opts.Log, opts.Name)
	return &Consumer{
		store:     opts.Store,
		log:       opts.Log,
		id:        id,
		fetchSize: opts.FetchSize,
		throttle:  opts.SaveThrottle,
		filter:    opts.Filter,
		logger:    observability.Component(opts.Logger, "event_consumer").With(slog.String("consumer", id)),
		now:       opts.Now,
		handlers:  dispatch.NewRegistry[Handler](),
		done:      make(chan struct{}),
	}, nil
}

// Handle registers h for events of eventType. Registration is expected to
// happen before Start.
func (c *Consumer) Handle(eventType string, h Handler) {
	c.handlers.Add(eventType, h)
}

func (c *Consumer) HandleFunc(eventType string, fn HandlerFunc) {
	c.handlers.Add(eventType, fn)
}

// HandleAll registers h for every event type.
func (c *Consumer) HandleAll(h Handler) {
	c.handlers.AddAll(h)
}

func (c *Consumer) ID() string {
	return c.id
}

// Position is the cursor of the last fully dispatched log record.
func (c *Consumer) Position() store.Cursor {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.position
}

func (c *Consumer) Done() <-chan struct{} {
	return c.done
}

func (c *Consumer) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Wait blocks until the consumer stops and returns the error that stopped it.
func (c *Consumer) Wait() error {
	<-c.done
	return c.Err()
}

// Start ensures the checkpoint table and the log exist, loads or creates the
// checkpoint and begins reading after it. A consumer starts at most once.
// Cancelling ctx stops the consumer like Dispose, including the final
// checkpoint write.
func (c *Consumer) Start(ctx context.Context) error {
	c.mu.Lock()
	select {
	case <-c.done:
		c.mu.Unlock()
		return ErrDisposed
	default:
	}
	if c.starting {
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	c.starting = true
	c.mu.Unlock()

	if err := store.IgnoreExists(c.store.CreateTable(ctx, ConsumersTable)); err != nil {
		return fmt.Errorf("create consumers table: %w", err)
	}
	if err := store.IgnoreExists(c.store.CreateLog(ctx, c.log)); err != nil {
		return fmt.Errorf("create log %q: %w", c.log, err)
	}

	c.mu.Lock()
	c.baseCtx = context.WithoutCancel(ctx)
	c.mu.Unlock()

	checkpoint, err := LoadCheckpoint(ctx, c.store, c.id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		if err := c.saveState(ctx); err != nil {
			return err
		}
	case err != nil:
		return fmt.Errorf("load checkpoint %s: %w", c.id, err)
	default:
		c.mu.Lock()
		c.position = checkpoint.Position
		c.mu.Unlock()
	}

	rd, err := reader.New(reader.Options{
		Start: c.Position(),
		Fetch: func(ctx context.Context, rng store.Range) (store.Subscription, error) {
			return c.store.ObserveLogRange(ctx, c.log, rng)
		},
		Handle: func(ctx context.Context, rec store.Record) error {
			return c.handleEvent(ctx, rec, rec)
		},
		Advance: c.advance,
		Limit:   c.fetchSize,
		Name:    c.id,
		Logger:  c.logger,
	})
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.disposing {
		c.mu.Unlock()
		return ErrDisposed
	}
	c.reader = rd
	c.started = true
	c.mu.Unlock()

	if err := rd.Start(ctx); err != nil {
		_ = c.shutdown(context.WithoutCancel(ctx), err)
		return fmt.Errorf("start reader: %w", err)
	}
	c.logger.Info("event consumer started", slog.String("position", string(c.Position())))
	go c.watch(rd)
	return nil
}

// Dispose stops reading and writes the checkpoint unconditionally. It waits
// for a handler that is already running to return.
func (c *Consumer) Dispose(ctx context.Context) error {
	c.mu.Lock()
	c.disposing = true
	rd := c.reader
	c.mu.Unlock()
	if rd != nil {
		rd.Dispose()
		_ = rd.Wait()
	}
	return c.shutdown(ctx, nil)
}

func (c *Consumer) watch(rd *reader.Reader) {
	err := rd.Wait()

	c.mu.Lock()
	ctx := c.baseCtx
	disposing := c.disposing
	c.mu.Unlock()

	switch {
	case err != nil:
		c.logger.Error("event consumer halted", slog.String("position", string(c.Position())), slog.Any("error", err))
		_ = c.shutdown(ctx, err)
	case !disposing:
		c.logger.Info("event consumer stopped by context", slog.String("position", string(c.Position())))
		_ = c.shutdown(ctx, nil)
	}
}

func (c *Consumer) shutdown(ctx context.Context, cause error) error {
	var saveErr error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		if c.timer != nil {
			c.timer.Stop()
			c.timer = nil
		}
		started := c.started
		c.mu.Unlock()

		if started {
			saveErr = c.saveState(ctx)
			if saveErr != nil {
				c.logger.Error("final checkpoint write failed", slog.Any("error", saveErr))
			}
		}

		c.mu.Lock()
		c.err = cause
		if c.err == nil {
			c.err = saveErr
		}
		c.mu.Unlock()
		close(c.done)
	})
	return saveErr
}

func (c *Consumer) handleEvent(ctx context.Context, event, mainEvent store.Record) error {
	if c.filter != nil && !c.filter(event) {
		observability.ObserveEventDispatch(c.id, observability.OutcomeFiltered)
		return nil
	}

	if event.IsBucket() {
		for _, child := range event.Events() {
			if err := c.handleEvent(ctx, child, mainEvent); err != nil {
				return err
			}
		}
		return nil
	}

	handlers := append(c.handlers.Typed(event.Type()), c.handlers.All()...)
	handled := false
	for _, h := range handlers {
		res, err := dispatch.Call(func() (dispatch.Result, error) {
			return h.HandleEvent(ctx, event, mainEvent)
		})
		if err != nil {
			observability.ObserveEventDispatch(c.id, observability.OutcomeFailed)
			return fmt.Errorf("handle %q event: %w", event.Type(), err)
		}
		if !res.IsIgnored() {
			handled = true
		}
	}
	if !handled {
		observability.ObserveEventDispatch(c.id, observability.OutcomeFailed)
		return fmt.Errorf("%q event: %w", event.Type(), dispatch.ErrNotHandled)
	}
	observability.ObserveEventDispatch(c.id, observability.OutcomeHandled)
	return nil
}

func (c *Consumer) advance(ctx context.Context, cursor store.Cursor) error {
	c.mu.Lock()
	c.position = cursor
	c.mu.Unlock()
	return c.savePosition(ctx)
}

// savePosition writes the checkpoint unless the previous write happened less
// than the throttle interval ago, in which case a trailing write is scheduled.
func (c *Consumer) savePosition(ctx context.Context) error {
	now := c.now()

	c.mu.Lock()
	elapsed := now.Sub(c.lastSave)
	if !c.lastSave.IsZero() && elapsed < c.throttle {
		if c.timer == nil {
			c.timer = time.AfterFunc(c.throttle-elapsed, c.flushTrailing)
		}
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	return c.saveState(ctx)
}

func (c *Consumer) flushTrailing() {
	c.mu.Lock()
	c.timer = nil
	ctx := c.baseCtx
	c.mu.Unlock()

	select {
	case <-c.done:
		return
	default:
	}
	if err := c.saveState(ctx); err != nil {
		c.logger.Warn("trailing checkpoint write failed", slog.Any("error", err))
	}
}

func (c *Consumer) saveState(ctx context.Context) error {
	c.saveMu.Lock()
	defer c.saveMu.Unlock()

	position := c.Position()
	rec := store.Record{store.FieldID: c.id, fieldPosition: string(position)}
	if err := c.store.Put(ctx, ConsumersTable, rec); err != nil {
		return fmt.Errorf("save checkpoint %s: %w", c.id, err)
	}

	c.mu.Lock()
	c.lastSave = c.now()
	c.mu.Unlock()
	observability.ObserveCheckpointWrite(c.id)
	c.logger.Debug("checkpoint saved", slog.String("position", string(position)))
	return nil
}
