package web

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/cespare/xxhash/v2"
	"github.com/go-chi/chi/v5"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"

	"github.com/tablecast/tablecast/cfg"
	"github.com/tablecast/tablecast/db"
	"github.com/tablecast/tablecast/stream"
)

//go:embed ui.html
var uiHTML embed.FS

// HealthFunc supplies component states merged into the /healthz response.
type HealthFunc func() map[string]any

// Handlers serves the HTTP API: table snapshots, row mutations through the
// batch writer, and the embedded live UI.
type Handlers struct {
	store    *db.Store
	writer   *db.BatchWriter
	streamer *stream.Streamer
	health   HealthFunc

	// snapshots caches the rendered response per table, keyed by the
	// table's max changelog seq at render time
	snapshots *xsync.MapOf[string, *cachedSnapshot]
}

type cachedSnapshot struct {
	seq  uint64
	etag string
	body []byte
}

// NewHandlers creates a new Handlers instance. health may be nil.
func NewHandlers(store *db.Store, writer *db.BatchWriter, streamer *stream.Streamer, health HealthFunc) *Handlers {
	return &Handlers{
		store:     store,
		writer:    writer,
		streamer:  streamer,
		health:    health,
		snapshots: xsync.NewMapOf[string, *cachedSnapshot](),
	}
}

// ServeUI serves the embedded UI HTML file
func (h *Handlers) ServeUI(w http.ResponseWriter, r *http.Request) {
	data, err := uiHTML.ReadFile("ui.html")
	if err != nil {
		http.Error(w, "Failed to load UI", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(data)
}

// tableFor resolves the configuration of a watched table, nil if not watched.
func (h *Handlers) tableFor(name string) *cfg.TableConfiguration {
	tables := h.store.Tables()
	for i := range tables {
		if tables[i].Name == name {
			return &tables[i]
		}
	}
	return nil
}

func (h *Handlers) handleListTables(w http.ResponseWriter, r *http.Request) {
	type tableInfo struct {
		Name   string            `json:"name"`
		Key    string            `json:"key"`
		Fields map[string]string `json:"fields,omitempty"`
		Rows   int64             `json:"rows"`
		MaxSeq uint64            `json:"max_seq"`
	}

	tables := h.store.Tables()
	infos := make([]tableInfo, 0, len(tables))
	for i := range tables {
		t := &tables[i]
		rows, err := h.store.RowCount(r.Context(), t.Name)
		if err != nil {
			writeErrorResponse(w, http.StatusInternalServerError, err.Error())
			return
		}
		seq, err := h.store.MaxSeqForTable(r.Context(), t.Name)
		if err != nil {
			writeErrorResponse(w, http.StatusInternalServerError, err.Error())
			return
		}
		infos = append(infos, tableInfo{Name: t.Name, Key: t.Key, Fields: t.Fields, Rows: rows, MaxSeq: seq})
	}

	writeJSONResponse(w, infos)
}

func (h *Handlers) handleTableSnapshot(w http.ResponseWriter, r *http.Request) {
	table := chi.URLParam(r, "table")
	if h.tableFor(table) == nil {
		writeErrorResponse(w, http.StatusNotFound, fmt.Sprintf("table '%s' is not watched", table))
		return
	}

	snap, err := h.renderSnapshot(r.Context(), table)
	if err != nil {
		writeErrorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}

	w.Header().Set("ETag", snap.etag)
	if r.Header.Get("If-None-Match") == snap.etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Write(snap.body)
}

// renderSnapshot returns the cached response when no change touched the
// table since it was rendered. A write landing between the seq read and
// ReadAll can cache a fresher snapshot under the older seq; the next change
// replaces it.
func (h *Handlers) renderSnapshot(ctx context.Context, table string) (*cachedSnapshot, error) {
	seq, err := h.store.MaxSeqForTable(ctx, table)
	if err != nil {
		return nil, err
	}

	if cached, ok := h.snapshots.Load(table); ok && cached.seq == seq {
		return cached, nil
	}

	records, err := h.store.ReadAll(ctx, table)
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(map[string]any{
		"data": map[string]any{
			"table": table,
			"seq":   seq,
			"rows":  records,
		},
	})
	if err != nil {
		return nil, err
	}

	snap := &cachedSnapshot{
		seq:  seq,
		etag: strconv.Quote(strconv.FormatUint(xxhash.Sum64(body), 16)),
		body: body,
	}
	h.snapshots.Store(table, snap)
	return snap, nil
}

func (h *Handlers) handleUpsertRow(w http.ResponseWriter, r *http.Request) {
	table := chi.URLParam(r, "table")
	t := h.tableFor(table)
	if t == nil {
		writeErrorResponse(w, http.StatusNotFound, fmt.Sprintf("table '%s' is not watched", table))
		return
	}

	var values map[string]any
	if err := json.NewDecoder(r.Body).Decode(&values); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if len(values) == 0 {
		writeErrorResponse(w, http.StatusBadRequest, "request body must be a JSON object of column values")
		return
	}

	op, err := h.store.UpsertOp(r.Context(), table, values)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	if _, err := h.writer.Enqueue(op).Get(); err != nil {
		writeErrorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSONResponse(w, map[string]any{
		"table": table,
		"key":   fmt.Sprintf("%v", values[t.Key]),
	})
}

func (h *Handlers) handleDeleteRow(w http.ResponseWriter, r *http.Request) {
	table := chi.URLParam(r, "table")
	key := chi.URLParam(r, "key")
	if h.tableFor(table) == nil {
		writeErrorResponse(w, http.StatusNotFound, fmt.Sprintf("table '%s' is not watched", table))
		return
	}

	op, err := h.store.DeleteOp(table, key)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	// Deleting an absent key commits cleanly and produces no change event
	if _, err := h.writer.Enqueue(op).Get(); err != nil {
		writeErrorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSONResponse(w, map[string]any{
		"table":   table,
		"key":     key,
		"deleted": true,
	})
}

func (h *Handlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"status":      "ok",
		"instance_id": cfg.Config.InstanceID,
	}
	if h.health != nil {
		for k, v := range h.health() {
			resp[k] = v
		}
	}
	writeJSONResponse(w, resp)
}

// writeJSONResponse writes a successful JSON response
func writeJSONResponse(w http.ResponseWriter, data any) {
	response := map[string]any{
		"data": data,
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(response); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeErrorResponse writes an error JSON response
func writeErrorResponse(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	response := map[string]any{
		"error": message,
	}
	if err := json.NewEncoder(w).Encode(response); err != nil {
		log.Error().Err(err).Msg("Failed to encode error response")
	}
}
