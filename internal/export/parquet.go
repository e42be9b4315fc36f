package export

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/parquet-go/parquet-go"

	"github.com/tapelog/tapelog/internal/store"
)

// Row is one leaf event of a log record. Buckets are flattened depth first,
// so Seq orders the events that share a MainPosition.
type Row struct {
	MainPosition string `parquet:"main_position"`
	Seq          int32  `parquet:"seq"`
	Type         string `parquet:"type"`
	PayloadJSON  string `parquet:"payload_json"`
}

type Encoded struct {
	Data  []byte
	Rows  int
	First store.Cursor
	Last  store.Cursor
}

// Flatten expands the given log records into rows in log order.
func Flatten(records []store.Record) ([]Row, error) {
	rows := make([]Row, 0, len(records))
	for _, rec := range records {
		cursor := string(rec.Cursor())
		if cursor == "" {
			return nil, fmt.Errorf("log record without cursor")
		}
		var seq int32
		var walk func(event store.Record) error
		walk = func(event store.Record) error {
			if event.IsBucket() {
				for _, child := range event.Events() {
					if err := walk(child); err != nil {
						return err
					}
				}
				return nil
			}
			payload := event.Clone()
			delete(payload, store.FieldID)
			raw, err := json.Marshal(payload)
			if err != nil {
				return fmt.Errorf("encode event at %s: %w", cursor, err)
			}
			rows = append(rows, Row{
				MainPosition: cursor,
				Seq:          seq,
				Type:         event.Type(),
				PayloadJSON:  string(raw),
			})
			seq++
			return nil
		}
		if err := walk(rec); err != nil {
			return nil, err
		}
	}
	return rows, nil
}

// Encode flattens records and writes them as a single parquet file.
func Encode(records []store.Record) (Encoded, error) {
	if len(records) == 0 {
		return Encoded{}, fmt.Errorf("records are required")
	}
	rows, err := Flatten(records)
	if err != nil {
		return Encoded{}, err
	}

	buf := bytes.NewBuffer(nil)
	writer := parquet.NewGenericWriter[Row](buf)
	if _, err := writer.Write(rows); err != nil {
		return Encoded{}, fmt.Errorf("write parquet rows: %w", err)
	}
	if err := writer.Close(); err != nil {
		return Encoded{}, fmt.Errorf("close parquet writer: %w", err)
	}

	return Encoded{
		Data:  buf.Bytes(),
		Rows:  len(rows),
		First: records[0].Cursor(),
		Last:  records[len(records)-1].Cursor(),
	}, nil
}
