package stream

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tablecast/tablecast/telemetry"
)

// sseHeartbeat is the comment-ping interval keeping idle connections alive
// through proxies.
const sseHeartbeat = 30 * time.Second

// ServeSSE streams snapshot plus live changes as Server-Sent Events until
// the client goes away or the subscription is released.
func (s *Streamer) ServeSSE(w http.ResponseWriter, r *http.Request) {
	tables, err := s.resolveTables(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	sub := s.registry.Subscribe(tables...)
	defer sub.Cancel()

	snapshot, err := s.collectSnapshot(r.Context(), tables)
	if err != nil {
		logSnapshotFailure(err, "sse")
		http.Error(w, "failed to read snapshot", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")

	telemetry.StreamClients.With("sse").Inc()
	defer telemetry.StreamClients.With("sse").Dec()

	log.Info().
		Uint64("subscription", sub.ID()).
		Strs("tables", tables).
		Str("remote", r.RemoteAddr).
		Msg("SSE client connected")
	defer log.Info().Uint64("subscription", sub.ID()).Msg("SSE client disconnected")

	for _, env := range snapshot {
		writeSSE(w, flusher, env)
	}
	writeSSE(w, flusher, Envelope{Type: FrameReady})

	heartbeat := time.NewTicker(sseHeartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case ev := <-sub.Events():
			writeSSE(w, flusher, changeEnvelope(ev))

		case <-heartbeat.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()

		case <-sub.Done():
			return

		case <-r.Context().Done():
			return
		}
	}
}

func writeSSE(w http.ResponseWriter, flusher http.Flusher, env Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal SSE frame")
		return
	}

	fmt.Fprintf(w, "event: %s\n", env.Type)
	if env.Seq > 0 {
		fmt.Fprintf(w, "id: %d\n", env.Seq)
	}
	fmt.Fprintf(w, "data: %s\n\n", data)
	flusher.Flush()
}
