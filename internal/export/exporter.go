// Package export copies ranges of a log into parquet objects. It runs as the
// "exportLog" command handler of a command queue.
package export

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/tapelog/tapelog/internal/commandqueue"
	"github.com/tapelog/tapelog/internal/dispatch"
	"github.com/tapelog/tapelog/internal/observability"
	"github.com/tapelog/tapelog/internal/storage"
	"github.com/tapelog/tapelog/internal/store"
)

const (
	CommandType       = "exportLog"
	RunsTable         = "exportRuns"
	DefaultPrefix     = "exports"
	DefaultMaxRecords = 10000

	contentType = "application/vnd.apache.parquet"
)

type Options struct {
	Store      store.Store
	Objects    storage.ObjectStore
	Prefix     string
	MaxRecords int
	Logger     *slog.Logger
	Now        func() time.Time
}

// Request selects the log window to export. With Resume set, After is taken
// from the newest export already present for the log.
type Request struct {
	Log    string
	After  store.Cursor
	Limit  int
	Resume bool
}

type Result struct {
	Key     string
	Records int
	Rows    int
	Size    int64
	Last    store.Cursor
}

func (r Result) Record() store.Record {
	return store.Record{
		"key":     r.Key,
		"records": r.Records,
		"rows":    r.Rows,
		"size":    r.Size,
		"last":    string(r.Last),
	}
}

type Exporter struct {
	store      store.Store
	objects    storage.ObjectStore
	prefix     string
	maxRecords int
	logger     *slog.Logger
	now        func() time.Time
}

func New(opts Options) (*Exporter, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if opts.Objects == nil {
		return nil, fmt.Errorf("object store is required")
	}
	if opts.MaxRecords <= 0 {
		opts.MaxRecords = DefaultMaxRecords
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Exporter{
		store:      opts.Store,
		objects:    opts.Objects,
		prefix:     opts.Prefix,
		maxRecords: opts.MaxRecords,
		logger:     observability.Component(opts.Logger, "export"),
		now:        opts.Now,
	}, nil
}

// Register creates the run table and installs the exporter on q.
func (e *Exporter) Register(ctx context.Context, q *commandqueue.Queue) error {
	if err := store.IgnoreExists(e.store.CreateTable(ctx, RunsTable)); err != nil {
		return fmt.Errorf("create %s: %w", RunsTable, err)
	}
	q.Handle(CommandType, e)
	return nil
}

func (e *Exporter) HandleCommand(ctx context.Context, cmd store.Record) (dispatch.Result, error) {
	req, err := ParseRequest(cmd)
	if err != nil {
		return dispatch.Handled(nil), err
	}
	res, err := e.Export(ctx, req)
	if err != nil {
		return dispatch.Handled(nil), err
	}
	return dispatch.Handled(map[string]any(res.Record())), nil
}

// ParseRequest reads the export fields of a command record.
func ParseRequest(cmd store.Record) (Request, error) {
	req := Request{}
	logName, _ := cmd["log"].(string)
	if logName == "" {
		return req, fmt.Errorf("export command %s: log is required", cmd.ID())
	}
	req.Log = logName
	if after, ok := cmd["after"].(string); ok {
		req.After = store.Cursor(after)
	}
	if resume, ok := cmd["resume"].(bool); ok {
		req.Resume = resume
	}
	switch limit := cmd["limit"].(type) {
	case nil:
	case int:
		req.Limit = limit
	case int64:
		req.Limit = int(limit)
	case float64:
		if limit != math.Trunc(limit) {
			return req, fmt.Errorf("export command %s: limit must be an integer", cmd.ID())
		}
		req.Limit = int(limit)
	default:
		return req, fmt.Errorf("export command %s: invalid limit %v", cmd.ID(), limit)
	}
	if req.Limit < 0 {
		return req, fmt.Errorf("export command %s: limit must not be negative", cmd.ID())
	}
	return req, nil
}

// Export writes one window of the log to the object store. Keys are derived
// from the exported range, so repeating a request overwrites the same object.
func (e *Exporter) Export(ctx context.Context, req Request) (res Result, err error) {
	defer func() { observability.ObserveExport(res.Records, err) }()

	limit := req.Limit
	if limit <= 0 || limit > e.maxRecords {
		limit = e.maxRecords
	}
	after := req.After
	if req.Resume {
		after, err = e.LastExported(ctx, req.Log)
		if err != nil {
			return Result{}, err
		}
	}

	records, err := e.snapshot(ctx, req.Log, store.Range{After: after, Limit: limit})
	if err != nil {
		return Result{}, err
	}
	if len(records) == 0 {
		return Result{Last: after}, nil
	}

	encoded, err := Encode(records)
	if err != nil {
		return Result{}, err
	}
	key, err := storage.BuildExportPath(e.prefix, req.Log, string(encoded.First), string(encoded.Last))
	if err != nil {
		return Result{}, err
	}
	info, err := e.objects.Put(ctx, key, bytes.NewReader(encoded.Data), int64(len(encoded.Data)), storage.PutOptions{
		ContentType: contentType,
		Metadata: map[string]string{
			"tapelog-log":   req.Log,
			"tapelog-first": string(encoded.First),
			"tapelog-last":  string(encoded.Last),
		},
	})
	if err != nil {
		return Result{}, fmt.Errorf("upload export %s: %w", key, err)
	}
	if info.Size == 0 {
		info.Size = int64(len(encoded.Data))
	}

	res = Result{Key: key, Records: len(records), Rows: encoded.Rows, Size: info.Size, Last: encoded.Last}
	run := res.Record()
	run[store.FieldID] = key
	run["log"] = req.Log
	run["first"] = string(encoded.First)
	run["exportedAt"] = e.now().UTC().Format(time.RFC3339Nano)
	if err := e.store.Put(ctx, RunsTable, run); err != nil {
		return Result{}, fmt.Errorf("record export run %s: %w", key, err)
	}

	e.logger.Info("log exported",
		slog.String("log", req.Log),
		slog.String("key", key),
		slog.Int("records", res.Records),
		slog.Int64("bytes", res.Size),
	)
	return res, nil
}

// LastExported is the end cursor of the newest export object of logName, or
// the empty cursor when none exists.
func (e *Exporter) LastExported(ctx context.Context, logName string) (store.Cursor, error) {
	dir, err := storage.ExportDir(e.prefix, logName)
	if err != nil {
		return "", err
	}
	objects, err := e.objects.List(ctx, dir)
	if err != nil {
		return "", fmt.Errorf("list exports of %s: %w", logName, err)
	}
	var last store.Cursor
	for _, obj := range objects {
		_, end, err := storage.ParseExportPath(obj.Key)
		if err != nil {
			continue
		}
		if cursor := store.Cursor(end); cursor.After(last) {
			last = cursor
		}
	}
	return last, nil
}

func (e *Exporter) snapshot(ctx context.Context, logName string, r store.Range) ([]store.Record, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sub, err := e.store.ObserveLogRange(ctx, logName, r)
	if err != nil {
		return nil, fmt.Errorf("observe log %s: %w", logName, err)
	}
	defer func() { _ = sub.Close() }()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case sig, ok := <-sub.Signals():
		if !ok {
			return nil, errors.New("log subscription closed before snapshot")
		}
		switch sig.Kind {
		case store.SignalSnapshot:
			return sig.Records, nil
		case store.SignalFailed:
			return nil, fmt.Errorf("observe log %s: %w", logName, sig.Err)
		default:
			return nil, fmt.Errorf("observe log %s: unexpected first signal %s", logName, sig.Kind)
		}
	}
}
