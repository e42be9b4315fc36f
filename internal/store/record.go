package store

import (
	"fmt"
	"reflect"
)

// Record is a schemaless document. Routing uses the "type" field, identity the
// "id" field. Log records carry their cursor as id.
type Record map[string]any

const (
	FieldID     = "id"
	FieldType   = "type"
	FieldState  = "state"
	FieldEvents = "events"

	TypeBucket = "bucket"

	StateNew    = "new"
	StateDone   = "done"
	StateFailed = "failed"
)

func (r Record) ID() string {
	return stringField(r, FieldID)
}

func (r Record) Type() string {
	return stringField(r, FieldType)
}

func (r Record) State() string {
	return stringField(r, FieldState)
}

func (r Record) Cursor() Cursor {
	return Cursor(r.ID())
}

func (r Record) IsBucket() bool {
	return r.Type() == TypeBucket
}

// Events returns the children of a bucket record in order.
func (r Record) Events() []Record {
	switch children := r[FieldEvents].(type) {
	case []Record:
		return children
	case []map[string]any:
		out := make([]Record, 0, len(children))
		for _, child := range children {
			out = append(out, Record(child))
		}
		return out
	case []any:
		out := make([]Record, 0, len(children))
		for _, child := range children {
			switch value := child.(type) {
			case map[string]any:
				out = append(out, Record(value))
			case Record:
				out = append(out, value)
			}
		}
		return out
	default:
		return nil
	}
}

// Merge returns a copy of r with the top-level fields of value overlaid.
func (r Record) Merge(value Record) Record {
	out := r.Clone()
	if out == nil {
		out = Record{}
	}
	for key, v := range value {
		out[key] = cloneValue(v)
	}
	return out
}

func (r Record) Clone() Record {
	if r == nil {
		return nil
	}
	out := make(Record, len(r))
	for key, value := range r {
		out[key] = cloneValue(value)
	}
	return out
}

func (r Record) Equal(other Record) bool {
	return reflect.DeepEqual(r, other)
}

func cloneValue(value any) any {
	switch v := value.(type) {
	case Record:
		return map[string]any(v.Clone())
	case map[string]any:
		return map[string]any(Record(v).Clone())
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = cloneValue(item)
		}
		return out
	case []Record:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = map[string]any(item.Clone())
		}
		return out
	case []map[string]any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = map[string]any(Record(item).Clone())
		}
		return out
	default:
		return v
	}
}

func stringField(r Record, field string) string {
	switch value := r[field].(type) {
	case nil:
		return ""
	case string:
		return value
	case Cursor:
		return string(value)
	default:
		return fmt.Sprint(value)
	}
}
