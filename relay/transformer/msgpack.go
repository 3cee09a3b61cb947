package transformer

import (
	"fmt"

	"github.com/tablecast/tablecast/db"
	"github.com/tablecast/tablecast/encoding"
	"github.com/tablecast/tablecast/relay"
)

func init() {
	relay.RegisterTransformer("msgpack", func() relay.Transformer {
		return NewMsgpackTransformer()
	})
}

// MsgpackTransformer emits the change envelope as msgpack. Compact binary
// alternative to the JSON format for consumers that decode msgpack.
type MsgpackTransformer struct{}

func NewMsgpackTransformer() *MsgpackTransformer {
	return &MsgpackTransformer{}
}

type msgpackEnvelope struct {
	Seq   uint64         `msgpack:"seq"`
	Table string         `msgpack:"table"`
	Op    uint8          `msgpack:"op"`
	Key   string         `msgpack:"key"`
	Row   map[string]any `msgpack:"row,omitempty"`
	Prior map[string]any `msgpack:"prior,omitempty"`
	TsMs  int64          `msgpack:"ts_ms"`
}

func (t *MsgpackTransformer) Transform(ev relay.Event, _ *db.TableSchema) ([]byte, error) {
	data, err := encoding.Marshal(msgpackEnvelope{
		Seq:   ev.Seq,
		Table: ev.Table,
		Op:    uint8(ev.Op),
		Key:   ev.Key,
		Row:   ev.Row,
		Prior: ev.Prior,
		TsMs:  ev.TimestampMs,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal msgpack envelope: %w", err)
	}
	return data, nil
}

// Tombstone returns nil: the sink's native empty-value delete marker.
func (t *MsgpackTransformer) Tombstone(key string) []byte {
	return nil
}
