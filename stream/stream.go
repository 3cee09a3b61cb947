// Package stream serves live change feeds over WebSocket and Server-Sent
// Events. Every new client gets a full snapshot of its tables first, then a
// ready marker, then change frames as they happen. Clients that stop
// reading are dropped rather than allowed to stall the fan-out.
package stream

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/tablecast/tablecast/common"
	"github.com/tablecast/tablecast/db"
	"github.com/tablecast/tablecast/dispatch"
)

const (
	FrameSnapshot = "snapshot"
	FrameChange   = "change"
	FrameReady    = "ready"
)

// Envelope is one stream frame, shared by the WebSocket and SSE transports.
type Envelope struct {
	Type      string         `json:"type"`
	Table     string         `json:"table,omitempty"`
	Seq       uint64         `json:"seq,omitempty"`
	Op        string         `json:"op,omitempty"`
	Key       string         `json:"key,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Prior     map[string]any `json:"prior,omitempty"`
	Timestamp int64          `json:"ts,omitempty"`
}

func snapshotEnvelope(table string, rec common.Record) Envelope {
	return Envelope{
		Type:  FrameSnapshot,
		Table: table,
		Key:   rec.Key,
		Data:  rec.Fields,
	}
}

func changeEnvelope(ev common.ChangeEvent) Envelope {
	return Envelope{
		Type:      FrameChange,
		Table:     ev.Table,
		Seq:       ev.Seq,
		Op:        ev.Op.String(),
		Key:       ev.Key,
		Data:      ev.Row,
		Prior:     ev.Prior,
		Timestamp: ev.Timestamp,
	}
}

// Streamer couples the snapshot reader with the subscriber registry.
type Streamer struct {
	store    *db.Store
	registry *dispatch.Registry
}

func NewStreamer(store *db.Store, registry *dispatch.Registry) *Streamer {
	return &Streamer{store: store, registry: registry}
}

// resolveTables parses the tables query parameter. Absent means every
// watched table; named tables must be watched.
func (s *Streamer) resolveTables(r *http.Request) ([]string, error) {
	raw := r.URL.Query().Get("tables")
	if raw == "" {
		tables := make([]string, 0, len(s.store.Tables()))
		for _, t := range s.store.Tables() {
			tables = append(tables, t.Name)
		}
		return tables, nil
	}

	watched := make(map[string]bool, len(s.store.Tables()))
	for _, t := range s.store.Tables() {
		watched[t.Name] = true
	}

	var tables []string
	for _, name := range strings.Split(raw, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if !watched[name] {
			return nil, fmt.Errorf("unknown table %s", name)
		}
		tables = append(tables, name)
	}
	if len(tables) == 0 {
		return nil, fmt.Errorf("no tables requested")
	}
	return tables, nil
}

// collectSnapshot reads the current state of the requested tables into
// snapshot frames. The subscription is taken before this runs, so changes
// made during the read are not lost; they arrive as change frames.
func (s *Streamer) collectSnapshot(ctx context.Context, tables []string) ([]Envelope, error) {
	var frames []Envelope
	for _, table := range tables {
		records, err := s.store.ReadAll(ctx, table)
		if err != nil {
			return nil, err
		}
		for _, rec := range records {
			frames = append(frames, snapshotEnvelope(table, rec))
		}
	}
	return frames, nil
}

func logSnapshotFailure(err error, transport string) {
	log.Error().Err(err).Str("transport", transport).Msg("Failed to read snapshot for stream client")
}
