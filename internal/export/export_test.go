package export

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/parquet-go/parquet-go"

	"github.com/tapelog/tapelog/internal/commandqueue"
	"github.com/tapelog/tapelog/internal/storage"
	"github.com/tapelog/tapelog/internal/store"
	"github.com/tapelog/tapelog/internal/store/memory"
)

type objectStore struct {
	mu       sync.Mutex
	objects  map[string][]byte
	metadata map[string]map[string]string
	putErr   error
}

func newObjectStore() *objectStore {
	return &objectStore{objects: make(map[string][]byte), metadata: make(map[string]map[string]string)}
}

func (o *objectStore) Put(_ context.Context, key string, body io.Reader, _ int64, opts storage.PutOptions) (storage.ObjectInfo, error) {
	if o.putErr != nil {
		return storage.ObjectInfo{}, o.putErr
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return storage.ObjectInfo{}, err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.objects[key] = data
	o.metadata[key] = opts.Metadata
	return storage.ObjectInfo{Key: key, Size: int64(len(data))}, nil
}

func (o *objectStore) Get(_ context.Context, key string) (io.ReadCloser, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	data, ok := o.objects[key]
	if !ok {
		return nil, storage.ErrObjectNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (o *objectStore) Stat(_ context.Context, key string) (storage.ObjectInfo, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	data, ok := o.objects[key]
	if !ok {
		return storage.ObjectInfo{}, storage.ErrObjectNotFound
	}
	return storage.ObjectInfo{Key: key, Size: int64(len(data))}, nil
}

func (o *objectStore) Delete(_ context.Context, key string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.objects, key)
	return nil
}

func (o *objectStore) List(_ context.Context, prefix string) ([]storage.ObjectInfo, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []storage.ObjectInfo
	for key, data := range o.objects {
		if strings.HasPrefix(key, prefix) {
			out = append(out, storage.ObjectInfo{Key: key, Size: int64(len(data))})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func seedLog(t *testing.T, s store.Store, n int) []store.Cursor {
	t.Helper()
	ctx := context.Background()
	if err := s.CreateLog(ctx, "events"); err != nil {
		t.Fatalf("CreateLog() error = %v", err)
	}
	cursors := make([]store.Cursor, 0, n)
	for i := 0; i < n; i++ {
		cursor, err := s.AppendLog(ctx, "events", store.Record{
			"type": "bucket",
			"events": []any{
				map[string]any{"type": "inc", "name": "a"},
				map[string]any{"type": "bucket", "events": []any{map[string]any{"type": "inc", "name": "b"}}},
			},
		})
		if err != nil {
			t.Fatalf("AppendLog() error = %v", err)
		}
		cursors = append(cursors, cursor)
	}
	return cursors
}

func newExporter(t *testing.T, s store.Store, objects storage.ObjectStore) *Exporter {
	t.Helper()
	exp, err := New(Options{
		Store:   s,
		Objects: objects,
		Prefix:  "exports",
		Now:     func() time.Time { return time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC) },
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := s.CreateTable(context.Background(), RunsTable); err != nil {
		t.Fatalf("CreateTable() error = %v", err)
	}
	return exp
}

func readRows(t *testing.T, data []byte) []Row {
	t.Helper()
	reader := parquet.NewGenericReader[Row](bytes.NewReader(data))
	defer func() { _ = reader.Close() }()
	rows := make([]Row, reader.NumRows())
	n, err := reader.Read(rows)
	if err != nil && !errors.Is(err, io.EOF) {
		t.Fatalf("reader.Read() error = %v", err)
	}
	return rows[:n]
}

func TestFlattenExpandsBucketsInOrder(t *testing.T) {
	rows, err := Flatten([]store.Record{
		{"id": "00000000000000000001", "type": "bucket", "events": []any{
			map[string]any{"type": "a"},
			map[string]any{"type": "bucket", "events": []any{map[string]any{"type": "b"}, map[string]any{"type": "c"}}},
		}},
		{"id": "00000000000000000002", "type": "d", "n": 1},
	})
	if err != nil {
		t.Fatalf("Flatten() error = %v", err)
	}
	var types []string
	for _, row := range rows {
		types = append(types, row.Type)
	}
	if strings.Join(types, "") != "abcd" {
		t.Fatalf("types = %v", types)
	}
	if rows[2].MainPosition != "00000000000000000001" || rows[2].Seq != 2 {
		t.Fatalf("row[2] = %+v", rows[2])
	}
	if rows[3].Seq != 0 || rows[3].PayloadJSON != `{"n":1,"type":"d"}` {
		t.Fatalf("row[3] = %+v", rows[3])
	}
}

func TestFlattenRequiresCursor(t *testing.T) {
	if _, err := Flatten([]store.Record{{"type": "a"}}); err == nil {
		t.Fatal("expected error for record without cursor")
	}
}

func TestEncodeWritesParquet(t *testing.T) {
	encoded, err := Encode([]store.Record{
		{"id": "00000000000000000003", "type": "inc"},
		{"id": "00000000000000000004", "type": "inc"},
	})
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	if encoded.Rows != 2 || encoded.First != "00000000000000000003" || encoded.Last != "00000000000000000004" {
		t.Fatalf("Encode() = %+v", encoded)
	}
	rows := readRows(t, encoded.Data)
	if len(rows) != 2 || rows[1].MainPosition != "00000000000000000004" {
		t.Fatalf("rows = %+v", rows)
	}

	if _, err := Encode(nil); err == nil {
		t.Fatal("expected error for empty input")
	}
}

func TestExportUploadsWindowAndRecordsRun(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	objects := newObjectStore()
	cursors := seedLog(t, s, 5)
	exp := newExporter(t, s, objects)

	res, err := exp.Export(ctx, Request{Log: "events", After: cursors[0], Limit: 3})
	if err != nil {
		t.Fatalf("Export() error = %v", err)
	}
	wantKey := "exports/events/" + string(cursors[1]) + "-" + string(cursors[3]) + ".parquet"
	if res.Key != wantKey {
		t.Fatalf("Key = %q, want %q", res.Key, wantKey)
	}
	if res.Records != 3 || res.Rows != 6 || res.Last != cursors[3] {
		t.Fatalf("Export() = %+v", res)
	}
	rows := readRows(t, objects.objects[wantKey])
	if len(rows) != 6 || rows[0].MainPosition != string(cursors[1]) {
		t.Fatalf("rows = %+v", rows)
	}
	if meta := objects.metadata[wantKey]; meta["tapelog-first"] != string(cursors[1]) || meta["tapelog-last"] != string(cursors[3]) {
		t.Fatalf("metadata = %v", meta)
	}

	run, err := s.Get(ctx, RunsTable, wantKey)
	if err != nil {
		t.Fatalf("Get(run) error = %v", err)
	}
	if run["log"] != "events" || run["first"] != string(cursors[1]) || run["exportedAt"] != "2026-03-01T12:00:00Z" {
		t.Fatalf("run = %#v", run)
	}
}

func TestExportResumesAfterNewestObject(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	objects := newObjectStore()
	cursors := seedLog(t, s, 4)
	exp := newExporter(t, s, objects)

	if _, err := exp.Export(ctx, Request{Log: "events", Limit: 2}); err != nil {
		t.Fatalf("Export() error = %v", err)
	}
	res, err := exp.Export(ctx, Request{Log: "events", Resume: true})
	if err != nil {
		t.Fatalf("Export(resume) error = %v", err)
	}
	if res.Records != 2 || res.Last != cursors[3] {
		t.Fatalf("Export(resume) = %+v", res)
	}

	res, err = exp.Export(ctx, Request{Log: "events", Resume: true})
	if err != nil {
		t.Fatalf("Export(resume) error = %v", err)
	}
	if res.Records != 0 || res.Key != "" || res.Last != cursors[3] {
		t.Fatalf("Export(resume, empty) = %+v", res)
	}
	if len(objects.objects) != 2 {
		t.Fatalf("objects = %d", len(objects.objects))
	}
}

func TestExportFailsOnUploadError(t *testing.T) {
	s := memory.New()
	objects := newObjectStore()
	objects.putErr = errors.New("bucket gone")
	seedLog(t, s, 1)
	exp := newExporter(t, s, objects)

	if _, err := exp.Export(context.Background(), Request{Log: "events"}); err == nil {
		t.Fatal("expected upload error")
	}
}

func TestExportUnknownLog(t *testing.T) {
	exp := newExporter(t, memory.New(), newObjectStore())
	if _, err := exp.Export(context.Background(), Request{Log: "missing"}); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("Export() error = %v, want ErrNotFound", err)
	}
}

func TestParseRequest(t *testing.T) {
	req, err := ParseRequest(store.Record{"id": "x", "log": "events", "after": "00000000000000000002", "limit": float64(10), "resume": true})
	if err != nil {
		t.Fatalf("ParseRequest() error = %v", err)
	}
	if req.Log != "events" || req.After != "00000000000000000002" || req.Limit != 10 || !req.Resume {
		t.Fatalf("ParseRequest() = %+v", req)
	}

	invalid := []store.Record{
		{"id": "x"},
		{"id": "x", "log": "events", "limit": 1.5},
		{"id": "x", "log": "events", "limit": "ten"},
		{"id": "x", "log": "events", "limit": -1},
	}
	for _, cmd := range invalid {
		if _, err := ParseRequest(cmd); err == nil {
			t.Fatalf("ParseRequest(%v) expected error", cmd)
		}
	}
}

func TestExportCommandThroughQueue(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	objects := newObjectStore()
	cursors := seedLog(t, s, 3)
	exp := newExporter(t, s, objects)

	q, err := commandqueue.New(commandqueue.Options{Store: s, Table: "commands"})
	if err != nil {
		t.Fatalf("commandqueue.New() error = %v", err)
	}
	if err := exp.Register(ctx, q); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if err := q.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer q.Dispose()

	if err := s.Put(ctx, "commands", store.Record{"id": "exp-1", "type": CommandType, "state": "new", "log": "events"}); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if err := s.Put(ctx, "commands", store.Record{"id": "exp-2", "type": CommandType, "state": "new"}); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	done := waitForState(t, s, "exp-1", store.StateDone)
	result, _ := done[commandqueue.FieldResult].(map[string]any)
	if result["last"] != string(cursors[2]) || result["records"] != 3 {
		t.Fatalf("result = %#v", done[commandqueue.FieldResult])
	}
	failed := waitForState(t, s, "exp-2", store.StateFailed)
	if msg, _ := failed[commandqueue.FieldError].(string); !strings.Contains(msg, "log is required") {
		t.Fatalf("error = %#v", failed[commandqueue.FieldError])
	}
}

func waitForState(t *testing.T, s store.Store, id, state string) store.Record {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		rec, err := s.Get(context.Background(), "commands", id)
		if err == nil && rec.State() == state {
			return rec
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("command %s never reached %s", id, state)
	return nil
}
