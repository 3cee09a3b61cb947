package transformer

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/tablecast/tablecast/common"
	"github.com/tablecast/tablecast/db"
	"github.com/tablecast/tablecast/relay"
)

func init() {
	relay.RegisterTransformer("debezium", func() relay.Transformer {
		return NewDebeziumTransformer()
	})
}

// DebeziumTransformer emits Debezium JSON-with-schema messages, consumable
// by Kafka Connect and other Debezium-aware pipelines.
//
// The transformer:
//   - Generates Debezium-compatible JSON with an embedded schema section
//   - Caches envelope schemas per table to avoid rebuilding for each event
//   - Maps SQLite column types to Debezium types via affinity rules
//   - Emits INSERT ("c"), UPDATE ("u"), and DELETE ("d") operations
//   - Carries full before/after row images straight from the capture log
type DebeziumTransformer struct {
	connectorName string
	schemaCache   sync.Map // table -> *debeziumEnvelopeSchema
}

// NewDebeziumTransformer creates a new Debezium transformer
func NewDebeziumTransformer() *DebeziumTransformer {
	return &DebeziumTransformer{
		connectorName: "tablecast",
	}
}

// debeziumEnvelopeSchema represents the cached schema structure
type debeziumEnvelopeSchema struct {
	Type   string                `json:"type"`
	Name   string                `json:"name"`
	Fields []debeziumSchemaField `json:"fields"`
}

type debeziumSchemaField struct {
	Field    string                `json:"field"`
	Type     interface{}           `json:"type"` // string or nested struct
	Optional bool                  `json:"optional,omitempty"`
	Name     string                `json:"name,omitempty"`
	Fields   []debeziumSchemaField `json:"fields,omitempty"`
}

type debeziumMessage struct {
	Schema  *debeziumEnvelopeSchema `json:"schema"`
	Payload debeziumPayload         `json:"payload"`
}

type debeziumPayload struct {
	Before map[string]interface{} `json:"before"`
	After  map[string]interface{} `json:"after"`
	Op     string                 `json:"op"`
	TsMs   int64                  `json:"ts_ms"`
	Source debeziumSource         `json:"source"`
}

type debeziumSource struct {
	Connector string `json:"connector"`
	Table     string `json:"table"`
	LSN       uint64 `json:"lsn"`
}

// Transform converts a captured change to Debezium JSON with Schema format
func (d *DebeziumTransformer) Transform(ev relay.Event, schema *db.TableSchema) ([]byte, error) {
	envelopeSchema := d.getOrBuildSchema(ev.Table, schema)

	payload := debeziumPayload{
		Before: ev.Prior,
		After:  ev.Row,
		Op:     d.mapOperation(ev.Op),
		TsMs:   ev.TimestampMs,
		Source: debeziumSource{
			Connector: d.connectorName,
			Table:     ev.Table,
			LSN:       ev.Seq,
		},
	}

	message := debeziumMessage{
		Schema:  envelopeSchema,
		Payload: payload,
	}

	data, err := json.Marshal(message)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal JSON: %w", err)
	}

	return data, nil
}

// Tombstone creates a tombstone marker (null value for Kafka log compaction)
func (d *DebeziumTransformer) Tombstone(key string) []byte {
	return nil
}

// mapOperation maps a capture operation to a Debezium operation
func (d *DebeziumTransformer) mapOperation(op common.Operation) string {
	switch op {
	case common.OpInsert:
		return "c" // create
	case common.OpUpdate:
		return "u" // update
	case common.OpDelete:
		return "d" // delete
	default:
		log.Warn().Str("operation", op.String()).Msg("unknown change operation, defaulting to update")
		return "u"
	}
}

// getOrBuildSchema retrieves or builds the envelope schema for a table
func (d *DebeziumTransformer) getOrBuildSchema(table string, schema *db.TableSchema) *debeziumEnvelopeSchema {
	if cached, ok := d.schemaCache.Load(table); ok {
		return cached.(*debeziumEnvelopeSchema)
	}

	envelopeSchema := d.buildEnvelopeSchema(table, schema)
	d.schemaCache.Store(table, envelopeSchema)

	return envelopeSchema
}

// buildEnvelopeSchema constructs the Debezium envelope schema
func (d *DebeziumTransformer) buildEnvelopeSchema(table string, schema *db.TableSchema) *debeziumEnvelopeSchema {
	valueSchemaName := table + ".Value"
	envelopeName := table + ".Envelope"

	columnFields := make([]debeziumSchemaField, len(schema.Columns))
	for i, col := range schema.Columns {
		columnFields[i] = debeziumSchemaField{
			Field:    col.Name,
			Type:     d.mapSQLiteType(col.Type),
			Optional: !col.NotNull,
		}
	}

	return &debeziumEnvelopeSchema{
		Type: "struct",
		Name: envelopeName,
		Fields: []debeziumSchemaField{
			{
				Field:    "before",
				Type:     "struct",
				Optional: true,
				Name:     valueSchemaName,
				Fields:   columnFields,
			},
			{
				Field:    "after",
				Type:     "struct",
				Optional: true,
				Name:     valueSchemaName,
				Fields:   columnFields,
			},
			{
				Field: "op",
				Type:  "string",
			},
			{
				Field: "ts_ms",
				Type:  "int64",
			},
			{
				Field: "source",
				Type:  "struct",
				Name:  "io.tablecast.Source",
				Fields: []debeziumSchemaField{
					{Field: "connector", Type: "string"},
					{Field: "table", Type: "string"},
					{Field: "lsn", Type: "int64"},
				},
			},
		},
	}
}

// mapSQLiteType maps SQLite types to Debezium types using SQLite type affinity rules.
// SQLite uses flexible type names, so we check for substrings rather than exact matches.
// See: https://www.sqlite.org/datatype3.html
func (d *DebeziumTransformer) mapSQLiteType(sqliteType string) string {
	upperType := strings.ToUpper(sqliteType)

	// Check exact matches first (common cases)
	switch upperType {
	case "INTEGER", "INT":
		return "int64"
	case "TEXT":
		return "string"
	case "REAL":
		return "double"
	case "BLOB":
		return "bytes"
	case "NULL":
		return "string"
	case "BOOLEAN", "BOOL":
		return "boolean"
	case "NUMERIC":
		return "double"
	}

	// Apply SQLite type affinity rules (substring matching)
	if strings.Contains(upperType, "INT") {
		return "int64"
	}
	if strings.Contains(upperType, "CHAR") || strings.Contains(upperType, "TEXT") || strings.Contains(upperType, "CLOB") {
		return "string"
	}
	if strings.Contains(upperType, "BLOB") {
		return "bytes"
	}
	if strings.Contains(upperType, "REAL") || strings.Contains(upperType, "FLOA") || strings.Contains(upperType, "DOUB") {
		return "double"
	}

	// Default to string for unknown types (matches SQLite's NUMERIC affinity default)
	return "string"
}
