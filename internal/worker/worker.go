// Package worker assembles the runtime of a tapelog worker process: the event
// consumer, the command queue with its handlers and the admin HTTP server,
// supervised as one unit.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tapelog/tapelog/internal/admin"
	"github.com/tapelog/tapelog/internal/commandqueue"
	"github.com/tapelog/tapelog/internal/config"
	"github.com/tapelog/tapelog/internal/demo/counter"
	"github.com/tapelog/tapelog/internal/eventsourcing"
	"github.com/tapelog/tapelog/internal/export"
	"github.com/tapelog/tapelog/internal/observability"
	"github.com/tapelog/tapelog/internal/storage"
	"github.com/tapelog/tapelog/internal/store"
)

const shutdownTimeout = 10 * time.Second

type Dependencies struct {
	Store store.Store
	// Objects receives log exports. Exports stay off when it is nil.
	Objects      storage.ObjectStore
	Logger       *slog.Logger
	Readiness    admin.ReadinessCheck
	OperatorAuth func(http.Handler) http.Handler
}

type Worker struct {
	cfg      config.Config
	store    store.Store
	logger   *slog.Logger
	counters *counter.Counters
	consumer *eventsourcing.Consumer
	queue    *commandqueue.Queue
	exporter *export.Exporter
	handler  http.Handler
}

func New(cfg config.Config, deps Dependencies) (*Worker, error) {
	if deps.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	w := &Worker{
		cfg:      cfg,
		store:    deps.Store,
		logger:   observability.Component(deps.Logger, "worker"),
		counters: counter.New(deps.Store, deps.Logger),
	}

	if cfg.Consumer.Enabled {
		consumer, err := eventsourcing.New(eventsourcing.Options{
			Store:        deps.Store,
			Log:          cfg.Consumer.LogName,
			Name:         cfg.Consumer.Name,
			FetchSize:    cfg.Consumer.FetchSize,
			SaveThrottle: cfg.Consumer.SaveThrottle,
			Logger:       deps.Logger,
		})
		if err != nil {
			return nil, fmt.Errorf("event consumer: %w", err)
		}
		w.consumer = consumer
	}
	if cfg.Queue.Enabled {
		queue, err := commandqueue.New(commandqueue.Options{
			Store:        deps.Store,
			Table:        cfg.Queue.Table,
			Limit:        cfg.Queue.Limit,
			ReleaseDelay: cfg.Queue.ReleaseDelay,
			Logger:       deps.Logger,
		})
		if err != nil {
			return nil, fmt.Errorf("command queue: %w", err)
		}
		w.queue = queue
	}
	if cfg.Export.Enabled && deps.Objects != nil && w.queue != nil {
		exporter, err := export.New(export.Options{
			Store:      deps.Store,
			Objects:    deps.Objects,
			Prefix:     cfg.Export.Prefix,
			MaxRecords: cfg.Export.MaxRecords,
			Logger:     deps.Logger,
		})
		if err != nil {
			return nil, fmt.Errorf("exporter: %w", err)
		}
		w.exporter = exporter
	}

	readiness := deps.Readiness
	if readiness == nil {
		readiness = admin.CheckStore(deps.Store)
	}
	w.handler = admin.NewHandler(cfg, admin.Dependencies{
		Logger:            deps.Logger,
		Store:             deps.Store,
		Readiness:         readiness,
		Status:            w.Status,
		OperatorAuth:      deps.OperatorAuth,
		DependencyTimeout: time.Second,
	})
	return w, nil
}

func (w *Worker) Handler() http.Handler {
	return w.handler
}

func (w *Worker) Counters() *counter.Counters {
	return w.counters
}

func (w *Worker) Status() admin.Status {
	status := admin.Status{Consumers: []admin.ConsumerStatus{}, Queues: []admin.QueueStatus{}}
	if c := w.consumer; c != nil {
		st := admin.ConsumerStatus{ID: c.ID(), Position: string(c.Position()), Running: !isClosed(c.Done())}
		if err := c.Err(); err != nil {
			st.Error = err.Error()
		}
		status.Consumers = append(status.Consumers, st)
	}
	if q := w.queue; q != nil {
		st := admin.QueueStatus{Table: q.Table(), Inflight: q.Inflight(), Running: !isClosed(q.Done())}
		if err := q.Err(); err != nil {
			st.Error = err.Error()
		}
		status.Queues = append(status.Queues, st)
	}
	return status
}

// Run starts every enabled component and blocks until ctx is cancelled or one
// of them fails. Components are disposed before Run returns.
func (w *Worker) Run(ctx context.Context, listener net.Listener) error {
	if err := w.setup(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	if w.consumer != nil {
		// stop disposes the consumer after the queue has drained.
		if err := w.consumer.Start(context.WithoutCancel(ctx)); err != nil {
			return fmt.Errorf("start event consumer: %w", err)
		}
		g.Go(func() error {
			return supervise(gctx, "event consumer", w.consumer.Done(), w.consumer.Err)
		})
	}
	if w.queue != nil {
		if err := w.queue.Start(ctx); err != nil {
			w.stop()
			return fmt.Errorf("start command queue: %w", err)
		}
		g.Go(func() error {
			return supervise(gctx, "command queue", w.queue.Done(), w.queue.Err)
		})
	}

	var server *http.Server
	if listener != nil {
		server = &http.Server{
			Handler:      w.handler,
			ReadTimeout:  w.cfg.HTTP.ReadTimeout,
			WriteTimeout: w.cfg.HTTP.WriteTimeout,
			IdleTimeout:  w.cfg.HTTP.IdleTimeout,
		}
		g.Go(func() error {
			w.logger.Info("starting admin server", slog.String("addr", listener.Addr().String()))
			if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("admin server: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		if server != nil {
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				w.logger.Error("admin server shutdown failed", slog.Any("error", err))
				_ = server.Close()
			}
		}
		w.stop()
		return nil
	})

	w.logger.Info("worker started",
		slog.Bool("consumer", w.consumer != nil),
		slog.Bool("queue", w.queue != nil),
		slog.Bool("export", w.exporter != nil),
	)
	err := g.Wait()
	w.logger.Info("worker stopped", slog.Any("error", err))
	return err
}

func (w *Worker) setup(ctx context.Context) error {
	if err := w.counters.Setup(ctx); err != nil {
		return fmt.Errorf("setup counters: %w", err)
	}
	if w.consumer != nil {
		if err := store.IgnoreExists(w.store.CreateLog(ctx, w.cfg.Consumer.LogName)); err != nil {
			return fmt.Errorf("create log %s: %w", w.cfg.Consumer.LogName, err)
		}
	}
	w.counters.Register(w.consumer, w.queue)
	if w.exporter != nil {
		if err := w.exporter.Register(ctx, w.queue); err != nil {
			return fmt.Errorf("register exporter: %w", err)
		}
	}
	return nil
}

// stop disposes the queue first so no new commands start, waits for the ones
// in flight, then disposes the consumer which writes its final checkpoint.
func (w *Worker) stop() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if w.queue != nil {
		w.queue.Dispose()
		if err := w.queue.Drain(ctx); err != nil {
			w.logger.Warn("command queue drain incomplete", slog.Any("error", err))
		}
	}
	if w.consumer != nil {
		if err := w.consumer.Dispose(ctx); err != nil {
			w.logger.Error("event consumer dispose failed", slog.Any("error", err))
		}
	}
}

func supervise(ctx context.Context, name string, done <-chan struct{}, errFn func() error) error {
	select {
	case <-ctx.Done():
		return nil
	case <-done:
		if err := errFn(); err != nil {
			return fmt.Errorf("%s failed: %w", name, err)
		}
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("%s stopped", name)
	}
}

func isClosed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}
