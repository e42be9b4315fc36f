// Package reader pages through an ordered log, handing each record to a
// callback exactly once and in cursor order.
package reader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/tapelog/tapelog/internal/dispatch"
	"github.com/tapelog/tapelog/internal/observability"
	"github.com/tapelog/tapelog/internal/store"
)

const DefaultLimit = 100

var (
	ErrDisposed           = errors.New("reader disposed")
	ErrAlreadyStarted     = errors.New("reader already started")
	ErrSubscriptionClosed = errors.New("subscription closed unexpectedly")
)

// FetchFunc opens a live subscription over the records strictly after
// r.After, capped at r.Limit records.
type FetchFunc func(ctx context.Context, r store.Range) (store.Subscription, error)

type HandleFunc func(ctx context.Context, rec store.Record) error

// AdvanceFunc is called after each record has been handled, with that
// record's cursor.
type AdvanceFunc func(ctx context.Context, cursor store.Cursor) error

type Options struct {
	Start   store.Cursor
	Fetch   FetchFunc
	Handle  HandleFunc
	Advance AdvanceFunc
	Limit   int
	// Name labels logs and metrics.
	Name   string
	Logger *slog.Logger
}

type Reader struct {
	fetch   FetchFunc
	handle  HandleFunc
	advance AdvanceFunc
	limit   int
	name    string
	logger  *slog.Logger

	mu       sync.Mutex
	cursor   store.Cursor
	sub      store.Subscription
	started  bool
	disposed bool
	err      error

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	doneOnce sync.Once
}

func New(opts Options) (*Reader, error) {
	if opts.Fetch == nil {
		return nil, fmt.Errorf("fetch function is required")
	}
	if opts.Handle == nil {
		return nil, fmt.Errorf("handle function is required")
	}
	if opts.Limit <= 0 {
		opts.Limit = DefaultLimit
	}
	if opts.Name == "" {
		opts.Name = "reader"
	}
	return &Reader{
		fetch:   opts.Fetch,
		handle:  opts.Handle,
		advance: opts.Advance,
		limit:   opts.Limit,
		name:    opts.Name,
		logger:  observability.Component(opts.Logger, "reader").With(slog.String("source", opts.Name)),
		cursor:  opts.Start,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}, nil
}

// Start opens the first page and consumes in the background. Errors opening
// the first page are returned directly; later failures end the reader and are
// reported by Wait and Err. Cancelling ctx stops the reader like Dispose.
func (r *Reader) Start(ctx context.Context) error {
	r.mu.Lock()
	switch {
	case r.disposed:
		r.mu.Unlock()
		return ErrDisposed
	case r.started:
		r.mu.Unlock()
		return ErrAlreadyStarted
	}
	r.started = true
	r.mu.Unlock()

	sub, err := r.open(ctx)
	if err != nil {
		r.finish(err)
		return err
	}
	if sub == nil {
		r.finish(nil)
		return ErrDisposed
	}
	r.logger.Debug("reader started", slog.String("cursor", string(r.Cursor())), slog.Int("limit", r.limit))
	go r.run(ctx, sub)
	return nil
}

// Dispose stops dispatching. A handler already running is not interrupted;
// no record is dispatched after it returns.
func (r *Reader) Dispose() {
	r.stopOnce.Do(func() { close(r.stop) })

	r.mu.Lock()
	r.disposed = true
	started := r.started
	sub := r.sub
	r.mu.Unlock()

	if sub != nil {
		_ = sub.Close()
	}
	if !started {
		r.finish(nil)
	}
}

func (r *Reader) Done() <-chan struct{} {
	return r.done
}

// Wait blocks until the reader has stopped and returns the error that stopped
// it, or nil after a clean Dispose.
func (r *Reader) Wait() error {
	<-r.done
	return r.Err()
}

func (r *Reader) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Cursor is the position of the last record whose handler completed.
func (r *Reader) Cursor() store.Cursor {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cursor
}

func (r *Reader) run(ctx context.Context, sub store.Subscription) {
	var err error
	for {
		var exhausted bool
		exhausted, err = r.consume(ctx, sub)
		_ = sub.Close()
		if err != nil || !exhausted {
			break
		}
		sub, err = r.open(ctx)
		if err != nil || sub == nil {
			break
		}
	}
	r.finish(err)
}

// consume drains one page. It reports exhausted once limit records have been
// delivered from it, meaning the next page must be opened.
func (r *Reader) consume(ctx context.Context, sub store.Subscription) (bool, error) {
	delivered := 0
	for {
		select {
		case <-r.stop:
			return false, nil
		case <-ctx.Done():
			return false, nil
		case sig, ok := <-sub.Signals():
			if !ok {
				if r.stopping(ctx) {
					return false, nil
				}
				return false, ErrSubscriptionClosed
			}

			var batch []store.Record
			switch sig.Kind {
			case store.SignalSnapshot:
				batch = sig.Records
			case store.SignalInserted:
				batch = []store.Record{sig.Record}
			case store.SignalFailed:
				return false, fmt.Errorf("subscription failed: %w", sig.Err)
			default:
				// Log entries are immutable; mutations and removals carry nothing new.
				continue
			}

			for _, rec := range batch {
				if r.stopping(ctx) {
					return false, nil
				}
				advanced, err := r.deliver(ctx, rec)
				if err != nil {
					return false, err
				}
				if advanced {
					delivered++
				}
			}
			if delivered >= r.limit {
				return true, nil
			}
		}
	}
}

func (r *Reader) deliver(ctx context.Context, rec store.Record) (bool, error) {
	cursor := rec.Cursor()
	if !cursor.After(r.Cursor()) {
		return false, nil
	}

	_, err := dispatch.Call(func() (dispatch.Result, error) {
		return dispatch.Ignored(), r.handle(ctx, rec)
	})
	if err != nil {
		return false, fmt.Errorf("handle record %s: %w", cursor, err)
	}

	r.mu.Lock()
	r.cursor = cursor
	r.mu.Unlock()

	if r.advance != nil {
		if err := r.advance(ctx, cursor); err != nil {
			return false, fmt.Errorf("advance to %s: %w", cursor, err)
		}
	}
	return true, nil
}

func (r *Reader) open(ctx context.Context) (store.Subscription, error) {
	rng := store.Range{After: r.Cursor(), Limit: r.limit}
	sub, err := r.fetch(ctx, rng)
	if err != nil {
		return nil, fmt.Errorf("fetch page after %q: %w", rng.After, err)
	}

	r.mu.Lock()
	if r.disposed {
		r.mu.Unlock()
		_ = sub.Close()
		return nil, nil
	}
	r.sub = sub
	r.mu.Unlock()

	observability.ObserveReaderPage(r.name)
	return sub, nil
}

func (r *Reader) stopping(ctx context.Context) bool {
	select {
	case <-r.stop:
		return true
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

func (r *Reader) finish(err error) {
	r.doneOnce.Do(func() {
		r.mu.Lock()
		r.err = err
		r.disposed = true
		r.mu.Unlock()
		if err != nil {
			r.logger.Error("reader stopped", slog.String("cursor", string(r.Cursor())), slog.Any("error", err))
		} else {
			r.logger.Debug("reader stopped", slog.String("cursor", string(r.Cursor())))
		}
		close(r.done)
	})
}
