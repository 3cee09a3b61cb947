package common

import (
	"encoding/json"
	"fmt"
)

// Operation classifies a single observed row mutation.
// The zero value is OpNone, the classification for mutations that did not
// change any observable field (an UPDATE whose before and after images are
// identical). OpNone events are never delivered to subscribers.
type Operation uint8

const (
	OpNone Operation = iota
	OpInsert
	OpUpdate
	OpDelete
)

// Changelog operation codes as written by the capture triggers.
const (
	CodeInsert = 1
	CodeUpdate = 2
	CodeDelete = 3
)

func (o Operation) String() string {
	switch o {
	case OpNone:
		return "none"
	case OpInsert:
		return "insert"
	case OpUpdate:
		return "update"
	case OpDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// OperationFromCode maps a changelog operation code to an Operation.
// Unknown codes map to OpNone so they are dropped rather than misreported.
func OperationFromCode(code int) Operation {
	switch code {
	case CodeInsert:
		return OpInsert
	case CodeUpdate:
		return OpUpdate
	case CodeDelete:
		return OpDelete
	default:
		return OpNone
	}
}

// MarshalJSON encodes the operation as its lowercase name. Wire consumers
// (browser clients, JSON sinks) see "insert"/"update"/"delete"; msgpack
// consumers get the raw numeric value for compactness.
func (o Operation) MarshalJSON() ([]byte, error) {
	return json.Marshal(o.String())
}

func (o *Operation) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	switch s {
	case "none":
		*o = OpNone
	case "insert":
		*o = OpInsert
	case "update":
		*o = OpUpdate
	case "delete":
		*o = OpDelete
	default:
		return fmt.Errorf("unknown operation %q", s)
	}
	return nil
}

// ChangeEvent is the normalized representation of one committed mutation.
// Field names in Row and Prior are the mapped attribute names (source column
// renamed per table configuration). Events are immutable once constructed:
// producers hand off the maps and never touch them again.
type ChangeEvent struct {
	Seq       uint64         `json:"seq" msgpack:"seq"`
	Table     string         `json:"table" msgpack:"tbl"`
	Op        Operation      `json:"op" msgpack:"op"`
	Key       string         `json:"key" msgpack:"key"`
	Row       map[string]any `json:"row,omitempty" msgpack:"row"`
	Prior     map[string]any `json:"prior,omitempty" msgpack:"prior"`
	Timestamp int64          `json:"ts" msgpack:"ts"` // commit time, unix ms
}

// HasPrior reports whether the event carries a before image.
// True for updates and deletes, false for inserts.
func (e ChangeEvent) HasPrior() bool {
	return e.Prior != nil
}

// Record is one row of a snapshot read. Fields carry the mapped attribute
// names, same as ChangeEvent.Row. Identity is Key.
type Record struct {
	Key    string         `json:"key"`
	Fields map[string]any `json:"fields"`
}
