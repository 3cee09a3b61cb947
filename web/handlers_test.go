package web

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/tablecast/tablecast/cfg"
	"github.com/tablecast/tablecast/db"
	"github.com/tablecast/tablecast/dispatch"
	"github.com/tablecast/tablecast/stream"
)

type harness struct {
	store  *db.Store
	writer *db.BatchWriter
	srv    *httptest.Server
}

func newHarness(t *testing.T, health HealthFunc) *harness {
	t.Helper()

	tables := []cfg.TableConfiguration{
		{
			Name:   "quotes",
			Key:    "code",
			Schema: `CREATE TABLE IF NOT EXISTS quotes (code TEXT PRIMARY KEY, name TEXT NOT NULL, price REAL NOT NULL)`,
			Fields: map[string]string{"code": "Symbol", "name": "Name", "price": "Price"},
		},
	}

	store, err := db.Open(filepath.Join(t.TempDir(), "test.db"), tables)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	if err := store.Ensure(context.Background()); err != nil {
		store.Close()
		t.Fatalf("failed to ensure schema: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	writer := db.NewBatchWriter(store.Path(), 16, 5*time.Millisecond)
	if err := writer.Start(); err != nil {
		t.Fatalf("failed to start batch writer: %v", err)
	}
	t.Cleanup(writer.Stop)

	registry := dispatch.NewRegistry(0, 0)
	streamer := stream.NewStreamer(store, registry)

	h := NewHandlers(store, writer, streamer, health)
	srv := httptest.NewServer(NewRouter(h))
	t.Cleanup(srv.Close)

	return &harness{store: store, writer: writer, srv: srv}
}

func (h *harness) seedQuote(t *testing.T, code, name string, price float64) {
	t.Helper()
	if _, err := h.store.DB().Exec(
		"INSERT INTO quotes (code, name, price) VALUES (?, ?, ?)", code, name, price); err != nil {
		t.Fatalf("failed to seed quote: %v", err)
	}
}

func decodeData(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("response is not valid JSON: %v", err)
	}
	data, ok := body["data"].(map[string]any)
	if !ok {
		t.Fatalf("response has no data object: %v", body)
	}
	return data
}

func TestListTables(t *testing.T) {
	h := newHarness(t, nil)
	h.seedQuote(t, "MSFT", "Microsoft", 505.12)
	h.seedQuote(t, "AAPL", "Apple", 227.16)

	resp, err := http.Get(h.srv.URL + "/api/tables")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var body struct {
		Data []struct {
			Name   string            `json:"name"`
			Key    string            `json:"key"`
			Fields map[string]string `json:"fields"`
			Rows   int64             `json:"rows"`
			MaxSeq uint64            `json:"max_seq"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("response is not valid JSON: %v", err)
	}
	if len(body.Data) != 1 {
		t.Fatalf("expected 1 table, got %d", len(body.Data))
	}
	info := body.Data[0]
	if info.Name != "quotes" || info.Key != "code" {
		t.Errorf("unexpected table info: %+v", info)
	}
	if info.Fields["code"] != "Symbol" || info.Fields["price"] != "Price" {
		t.Errorf("unexpected field mapping: %v", info.Fields)
	}
	if info.Rows != 2 {
		t.Errorf("expected 2 rows, got %d", info.Rows)
	}
	if info.MaxSeq != 2 {
		t.Errorf("expected max seq 2, got %d", info.MaxSeq)
	}
}

func TestTableSnapshot(t *testing.T) {
	h := newHarness(t, nil)
	h.seedQuote(t, "MSFT", "Microsoft", 505.12)

	resp, err := http.Get(h.srv.URL + "/api/tables/quotes")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if resp.Header.Get("ETag") == "" {
		t.Error("expected an ETag header")
	}

	data := decodeData(t, resp)
	if data["table"] != "quotes" {
		t.Errorf("expected table quotes, got %v", data["table"])
	}
	rows, ok := data["rows"].([]any)
	if !ok || len(rows) != 1 {
		t.Fatalf("expected 1 row, got %v", data["rows"])
	}
	row := rows[0].(map[string]any)
	if row["key"] != "MSFT" {
		t.Errorf("expected key MSFT, got %v", row["key"])
	}
	fields := row["fields"].(map[string]any)
	if fields["Symbol"] != "MSFT" || fields["Price"] != 505.12 {
		t.Errorf("unexpected fields: %v", fields)
	}
}

func TestTableSnapshotETag(t *testing.T) {
	h := newHarness(t, nil)
	h.seedQuote(t, "MSFT", "Microsoft", 505.12)

	resp, err := http.Get(h.srv.URL + "/api/tables/quotes")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	etag := resp.Header.Get("ETag")
	if etag == "" {
		t.Fatal("expected an ETag header")
	}

	// Unchanged table revalidates without a body
	req, _ := http.NewRequest(http.MethodGet, h.srv.URL+"/api/tables/quotes", nil)
	req.Header.Set("If-None-Match", etag)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotModified {
		t.Fatalf("expected 304, got %d", resp.StatusCode)
	}

	// A new change invalidates the cached snapshot
	h.seedQuote(t, "AAPL", "Apple", 227.16)

	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 after change, got %d", resp.StatusCode)
	}
	if newTag := resp.Header.Get("ETag"); newTag == etag {
		t.Error("expected a new ETag after the table changed")
	}
	data := decodeData(t, resp)
	if rows := data["rows"].([]any); len(rows) != 2 {
		t.Errorf("expected 2 rows after insert, got %d", len(rows))
	}
}

func TestTableSnapshotUnknownTable(t *testing.T) {
	h := newHarness(t, nil)

	resp, err := http.Get(h.srv.URL + "/api/tables/orders")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404, got %d", resp.StatusCode)
	}
}

func postJSON(t *testing.T, url string, payload string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", bytes.NewBufferString(payload))
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	return resp
}

func TestUpsertRow(t *testing.T) {
	h := newHarness(t, nil)

	resp := postJSON(t, h.srv.URL+"/api/tables/quotes/rows",
		`{"code": "MSFT", "name": "Microsoft", "price": 505.12}`)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	data := decodeData(t, resp)
	if data["key"] != "MSFT" {
		t.Errorf("expected key MSFT, got %v", data["key"])
	}

	count, err := h.store.RowCount(context.Background(), "quotes")
	if err != nil {
		t.Fatalf("failed to count rows: %v", err)
	}
	if count != 1 {
		t.Errorf("expected 1 row after upsert, got %d", count)
	}

	// Same key replaces the row instead of adding one
	resp = postJSON(t, h.srv.URL+"/api/tables/quotes/rows",
		`{"code": "MSFT", "name": "Microsoft", "price": 506.01}`)
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 on replace, got %d", resp.StatusCode)
	}

	count, _ = h.store.RowCount(context.Background(), "quotes")
	if count != 1 {
		t.Errorf("expected 1 row after replace, got %d", count)
	}
}

func TestUpsertRowValidation(t *testing.T) {
	h := newHarness(t, nil)

	cases := []struct {
		name    string
		path    string
		payload string
		status  int
	}{
		{"unknown table", "/api/tables/orders/rows", `{"id": 1}`, http.StatusNotFound},
		{"missing key column", "/api/tables/quotes/rows", `{"name": "Microsoft", "price": 1}`, http.StatusBadRequest},
		{"unknown column", "/api/tables/quotes/rows", `{"code": "MSFT", "volume": 3}`, http.StatusBadRequest},
		{"not an object", "/api/tables/quotes/rows", `[1, 2, 3]`, http.StatusBadRequest},
		{"empty object", "/api/tables/quotes/rows", `{}`, http.StatusBadRequest},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := postJSON(t, h.srv.URL+tc.path, tc.payload)
			defer resp.Body.Close()
			if resp.StatusCode != tc.status {
				t.Errorf("expected %d, got %d", tc.status, resp.StatusCode)
			}
		})
	}
}

func TestDeleteRow(t *testing.T) {
	h := newHarness(t, nil)
	h.seedQuote(t, "MSFT", "Microsoft", 505.12)

	req, _ := http.NewRequest(http.MethodDelete, h.srv.URL+"/api/tables/quotes/rows/MSFT", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	count, err := h.store.RowCount(context.Background(), "quotes")
	if err != nil {
		t.Fatalf("failed to count rows: %v", err)
	}
	if count != 0 {
		t.Errorf("expected 0 rows after delete, got %d", count)
	}

	// Deleting an absent key still succeeds
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200 for absent key, got %d", resp.StatusCode)
	}
}

func TestAuthRequiredForMutations(t *testing.T) {
	h := newHarness(t, nil)

	prev := cfg.Config.Server.AuthKey
	cfg.Config.Server.AuthKey = "hunter2"
	t.Cleanup(func() { cfg.Config.Server.AuthKey = prev })

	payload := `{"code": "MSFT", "name": "Microsoft", "price": 505.12}`

	// No credentials
	resp := postJSON(t, h.srv.URL+"/api/tables/quotes/rows", payload)
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without credentials, got %d", resp.StatusCode)
	}

	// Wrong key
	req, _ := http.NewRequest(http.MethodPost, h.srv.URL+"/api/tables/quotes/rows", strings.NewReader(payload))
	req.Header.Set("X-Tablecast-Key", "wrong")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 with wrong key, got %d", resp.StatusCode)
	}

	// Header key
	req, _ = http.NewRequest(http.MethodPost, h.srv.URL+"/api/tables/quotes/rows", strings.NewReader(payload))
	req.Header.Set("X-Tablecast-Key", "hunter2")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 with header key, got %d", resp.StatusCode)
	}

	// Bearer token
	req, _ = http.NewRequest(http.MethodPost, h.srv.URL+"/api/tables/quotes/rows", strings.NewReader(payload))
	req.Header.Set("Authorization", "Bearer hunter2")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 with bearer token, got %d", resp.StatusCode)
	}

	// Reads stay open
	getResp, err := http.Get(h.srv.URL + "/api/tables/quotes")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	io.Copy(io.Discard, getResp.Body)
	getResp.Body.Close()
	if getResp.StatusCode != http.StatusOK {
		t.Errorf("expected open read access, got %d", getResp.StatusCode)
	}
}

func TestHealthz(t *testing.T) {
	h := newHarness(t, func() map[string]any {
		return map[string]any{
			"watcher": map[string]any{"cursor": 42},
		}
	})

	resp, err := http.Get(h.srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	data := decodeData(t, resp)
	if data["status"] != "ok" {
		t.Errorf("expected status ok, got %v", data["status"])
	}
	watcher, ok := data["watcher"].(map[string]any)
	if !ok || watcher["cursor"] != 42.0 {
		t.Errorf("expected merged watcher state, got %v", data["watcher"])
	}
}

func TestServeUI(t *testing.T) {
	h := newHarness(t, nil)

	resp, err := http.Get(h.srv.URL + "/")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Errorf("expected html content type, got %s", ct)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "tablecast") {
		t.Error("expected the UI page to mention tablecast")
	}
}
