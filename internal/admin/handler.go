// Package admin serves the operator HTTP API of a worker: health and
// readiness, metrics, checkpoints, log appends and command enqueueing.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tapelog/tapelog/internal/config"
	"github.com/tapelog/tapelog/internal/eventsourcing"
	"github.com/tapelog/tapelog/internal/observability"
	"github.com/tapelog/tapelog/internal/store"
)

const maxBodyBytes = 1 << 20

type ReadinessCheck func(ctx context.Context) error

type ConsumerStatus struct {
	ID       string `json:"id"`
	Position string `json:"position"`
	Running  bool   `json:"running"`
	Error    string `json:"error,omitempty"`
}

type QueueStatus struct {
	Table    string `json:"table"`
	Inflight int    `json:"inflight"`
	Running  bool   `json:"running"`
	Error    string `json:"error,omitempty"`
}

type Status struct {
	Consumers []ConsumerStatus `json:"consumers"`
	Queues    []QueueStatus    `json:"queues"`
}

type Dependencies struct {
	Logger            *slog.Logger
	Store             store.Store
	Readiness         ReadinessCheck
	Status            func() Status
	OperatorAuth      func(http.Handler) http.Handler
	DependencyTimeout time.Duration
}

func NewHandler(cfg config.Config, deps Dependencies) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /v1/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "service": cfg.Service.Name})
	})
	mux.HandleFunc("GET /v1/ready", func(w http.ResponseWriter, r *http.Request) {
		handleReady(deps, w, r)
	})
	mux.Handle("GET /v1/metrics", promhttp.Handler())

	mux.HandleFunc("GET /v1/status", func(w http.ResponseWriter, _ *http.Request) {
		status := Status{Consumers: []ConsumerStatus{}, Queues: []QueueStatus{}}
		if deps.Status != nil {
			status = deps.Status()
		}
		writeJSON(w, http.StatusOK, status)
	})
	mux.HandleFunc("GET /v1/consumers/{consumer}", func(w http.ResponseWriter, r *http.Request) {
		handleCheckpoint(deps, w, r)
	})
	mux.HandleFunc("GET /v1/commands/{table}/{id}", func(w http.ResponseWriter, r *http.Request) {
		handleGetCommand(deps, w, r)
	})

	var operator http.Handler = operatorRoutes(deps)
	if cfg.Auth.Required {
		if deps.OperatorAuth == nil {
			if deps.Logger != nil {
				deps.Logger.Error("auth required but auth middleware missing")
			}
			operator = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				writeError(r.Context(), w, http.StatusInternalServerError, "AUTH_MIDDLEWARE_MISSING", "auth middleware is required by configuration", nil)
			})
		} else {
			operator = deps.OperatorAuth(operator)
		}
	}
	mux.Handle("POST /v1/logs/{log}", operator)
	mux.Handle("POST /v1/commands/{table}", operator)

	var handler http.Handler = observability.MetricsMiddleware(mux)
	if deps.Logger != nil {
		handler = chain(handler,
			observability.LoggingMiddleware(deps.Logger),
			observability.RecoverMiddleware(deps.Logger),
		)
	}
	return observability.TraceMiddleware(handler)
}

func operatorRoutes(deps Dependencies) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/logs/{log}", func(w http.ResponseWriter, r *http.Request) {
		handleAppend(deps, w, r)
	})
	mux.HandleFunc("POST /v1/commands/{table}", func(w http.ResponseWriter, r *http.Request) {
		handleEnqueue(deps, w, r)
	})
	return mux
}

func handleReady(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Readiness == nil {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
		return
	}
	timeout := deps.DependencyTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()
	if err := deps.Readiness(ctx); err != nil {
		writeError(r.Context(), w, http.StatusServiceUnavailable, "NOT_READY", err.Error(), nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

func handleCheckpoint(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if !requireStore(deps, w, r) {
		return
	}
	id := strings.TrimSpace(r.PathValue("consumer"))
	checkpoint, err := eventsourcing.LoadCheckpoint(r.Context(), deps.Store, id)
	if err != nil {
		writeStoreError(w, r, err, map[string]any{"consumer": id})
		return
	}
	writeJSON(w, http.StatusOK, checkpoint)
}

func handleGetCommand(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if !requireStore(deps, w, r) {
		return
	}
	table, id := r.PathValue("table"), r.PathValue("id")
	rec, err := deps.Store.Get(r.Context(), table, id)
	if err != nil {
		writeStoreError(w, r, err, map[string]any{"table": table, "id": id})
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func handleAppend(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if !requireStore(deps, w, r) {
		return
	}
	logName := r.PathValue("log")
	rec, ok := decodeRecord(w, r)
	if !ok {
		return
	}
	if rec.Type() == "" {
		writeError(r.Context(), w, http.StatusBadRequest, "TYPE_REQUIRED", "record type is required", nil)
		return
	}
	delete(rec, store.FieldID)

	cursor, err := deps.Store.AppendLog(r.Context(), logName, rec)
	if err != nil {
		writeStoreError(w, r, err, map[string]any{"log": logName})
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"log": logName, "cursor": string(cursor)})
}

func handleEnqueue(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if !requireStore(deps, w, r) {
		return
	}
	table := r.PathValue("table")
	rec, ok := decodeRecord(w, r)
	if !ok {
		return
	}
	if rec.Type() == "" {
		writeError(r.Context(), w, http.StatusBadRequest, "TYPE_REQUIRED", "command type is required", nil)
		return
	}
	id := rec.ID()
	if id == "" {
		id = uuid.NewString()
		rec[store.FieldID] = id
	}

	if _, err := deps.Store.Get(r.Context(), table, id); err == nil {
		writeError(r.Context(), w, http.StatusConflict, "COMMAND_EXISTS", "command id already exists", map[string]any{"table": table, "id": id})
		return
	} else if !errors.Is(err, store.ErrNotFound) {
		writeStoreError(w, r, err, map[string]any{"table": table})
		return
	}

	rec[store.FieldState] = store.StateNew
	if err := deps.Store.Put(r.Context(), table, rec); err != nil {
		writeStoreError(w, r, err, map[string]any{"table": table})
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"table": table, "id": id})
}

func decodeRecord(w http.ResponseWriter, r *http.Request) (store.Record, bool) {
	var rec store.Record
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := decoder.Decode(&rec); err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_JSON", "request body must be a JSON object", map[string]any{"details": err.Error()})
		return nil, false
	}
	if rec == nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_JSON", "request body must be a JSON object", nil)
		return nil, false
	}
	return rec, true
}

func requireStore(deps Dependencies, w http.ResponseWriter, r *http.Request) bool {
	if deps.Store == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "STORE_NOT_CONFIGURED", "store is not configured", nil)
		return false
	}
	return true
}

func writeStoreError(w http.ResponseWriter, r *http.Request, err error, extra map[string]any) {
	if errors.Is(err, store.ErrNotFound) {
		writeError(r.Context(), w, http.StatusNotFound, "NOT_FOUND", err.Error(), extra)
		return
	}
	writeError(r.Context(), w, http.StatusInternalServerError, "STORE_ERROR", err.Error(), extra)
}

// CheckStore reports ready once the store answers a read of the checkpoint
// table. A missing table or checkpoint still counts as reachable.
func CheckStore(st store.Store) ReadinessCheck {
	return func(ctx context.Context) error {
		_, err := st.Get(ctx, eventsourcing.ConsumersTable, "readiness")
		if err == nil || errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}
}

func CheckObjectStoreConfig(cfg config.Config) ReadinessCheck {
	return func(_ context.Context) error {
		if !cfg.Export.Enabled {
			return nil
		}
		if cfg.ObjectStore.Endpoint == "" {
			return errors.New("object store endpoint is not configured")
		}
		if cfg.ObjectStore.Bucket == "" {
			return errors.New("object store bucket is not configured")
		}
		return nil
	}
}

func CombineReadinessChecks(checks ...ReadinessCheck) ReadinessCheck {
	filtered := make([]ReadinessCheck, 0, len(checks))
	for _, check := range checks {
		if check != nil {
			filtered = append(filtered, check)
		}
	}
	return func(ctx context.Context) error {
		for _, check := range filtered {
			if err := check(ctx); err != nil {
				return err
			}
		}
		return nil
	}
}

func chain(base http.Handler, middlewares ...func(http.Handler) http.Handler) http.Handler {
	wrapped := base
	for i := len(middlewares) - 1; i >= 0; i-- {
		wrapped = middlewares[i](wrapped)
	}
	return wrapped
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(ctx context.Context, w http.ResponseWriter, status int, code, message string, extra map[string]any) {
	writeJSON(w, status, map[string]any{
		"error_code": code,
		"message":    message,
		"context":    extra,
		"trace_id":   observability.TraceIDFromContext(ctx),
	})
}
