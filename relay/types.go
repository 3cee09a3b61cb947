// Package relay republishes captured changes to external brokers. Each
// configured sink gets its own worker reading the capture log behind a
// durable cursor, so broker downtime never loses events that are still
// retained. Delivery to brokers is at-least-once.
package relay

import (
	"encoding/json"
	"fmt"

	"github.com/tablecast/tablecast/common"
	"github.com/tablecast/tablecast/db"
)

// Event is one captured change as the relay sees it: raw source column
// names, no attribute mapping. Transformers shape it for the wire.
type Event struct {
	Seq         uint64
	Table       string
	Op          common.Operation
	Key         string
	Row         map[string]any
	Prior       map[string]any
	TimestampMs int64
}

// Sink is a destination for relayed events.
type Sink interface {
	// Publish sends one value under a topic and partition key. A nil value
	// is a tombstone.
	Publish(topic, key string, value []byte) error
	// Close releases any resources held by the sink.
	Close() error
}

// Transformer shapes an event into a sink payload.
type Transformer interface {
	Transform(ev Event, schema *db.TableSchema) ([]byte, error)
	// Tombstone builds the delete marker payload for a key. Nil means the
	// sink's native tombstone (empty value).
	Tombstone(key string) []byte
}

// Filter decides which tables a sink receives.
type Filter interface {
	Match(table string) bool
}

// eventFromRow decodes a changelog row into a relay event.
func eventFromRow(row db.ChangeRow) (Event, error) {
	decode := func(image []byte) (map[string]any, error) {
		if len(image) == 0 {
			return nil, nil
		}
		var m map[string]any
		if err := json.Unmarshal(image, &m); err != nil {
			return nil, err
		}
		return m, nil
	}

	rowImg, err := decode(row.RowImage)
	if err != nil {
		return Event{}, fmt.Errorf("bad row image at seq %d: %w", row.Seq, err)
	}
	priorImg, err := decode(row.PriorImage)
	if err != nil {
		return Event{}, fmt.Errorf("bad prior image at seq %d: %w", row.Seq, err)
	}

	return Event{
		Seq:         row.Seq,
		Table:       row.Table,
		Op:          common.OperationFromCode(row.Op),
		Key:         row.Key,
		Row:         rowImg,
		Prior:       priorImg,
		TimestampMs: row.CreatedAt,
	}, nil
}
