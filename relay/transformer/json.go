// Package transformer provides relay.Transformer implementations shaping
// captured changes into sink payloads. Each format registers itself with
// the relay factory at init time.
package transformer

import (
	"encoding/json"
	"fmt"

	"github.com/tablecast/tablecast/db"
	"github.com/tablecast/tablecast/relay"
)

func init() {
	relay.RegisterTransformer("json", func() relay.Transformer {
		return NewJSONTransformer()
	})
}

// JSONTransformer emits a flat JSON envelope per change. The lightest
// format: no schema section, column values exactly as captured.
type JSONTransformer struct{}

func NewJSONTransformer() *JSONTransformer {
	return &JSONTransformer{}
}

type jsonEnvelope struct {
	Seq   uint64         `json:"seq"`
	Table string         `json:"table"`
	Op    string         `json:"op"`
	Key   string         `json:"key"`
	Row   map[string]any `json:"row,omitempty"`
	Prior map[string]any `json:"prior,omitempty"`
	TsMs  int64          `json:"ts_ms"`
}

func (t *JSONTransformer) Transform(ev relay.Event, _ *db.TableSchema) ([]byte, error) {
	data, err := json.Marshal(jsonEnvelope{
		Seq:   ev.Seq,
		Table: ev.Table,
		Op:    ev.Op.String(),
		Key:   ev.Key,
		Row:   ev.Row,
		Prior: ev.Prior,
		TsMs:  ev.TimestampMs,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal JSON envelope: %w", err)
	}
	return data, nil
}

// Tombstone returns nil: the sink's native empty-value delete marker.
func (t *JSONTransformer) Tombstone(key string) []byte {
	return nil
}
