package stream

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/tablecast/tablecast/dispatch"
	"github.com/tablecast/tablecast/telemetry"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 512
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// ServeWS upgrades the request and streams snapshot plus live changes until
// the peer disconnects or the subscription is released.
func (s *Streamer) ServeWS(w http.ResponseWriter, r *http.Request) {
	tables, err := s.resolveTables(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	sub := s.registry.Subscribe(tables...)
	snapshot, err := s.collectSnapshot(r.Context(), tables)
	if err != nil {
		sub.Cancel()
		logSnapshotFailure(err, "ws")
		http.Error(w, "failed to read snapshot", http.StatusInternalServerError)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		sub.Cancel()
		log.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	client := &wsClient{
		conn:     conn,
		sub:      sub,
		snapshot: snapshot,
	}

	telemetry.StreamClients.With("ws").Inc()
	log.Info().
		Uint64("subscription", sub.ID()).
		Strs("tables", tables).
		Str("remote", r.RemoteAddr).
		Msg("WebSocket client connected")

	go client.writePump()
	go client.readPump()
}

type wsClient struct {
	conn     *websocket.Conn
	sub      *dispatch.Subscription
	snapshot []Envelope
}

// writePump owns the connection's write side: snapshot frames, ready
// marker, live changes, and pings.
func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.sub.Cancel()
		_ = c.conn.Close()
		telemetry.StreamClients.With("ws").Dec()
		log.Info().Uint64("subscription", c.sub.ID()).Msg("WebSocket client disconnected")
	}()

	for _, env := range c.snapshot {
		if !c.write(env) {
			return
		}
	}
	if !c.write(Envelope{Type: FrameReady}) {
		return
	}

	for {
		select {
		case ev := <-c.sub.Events():
			if !c.write(changeEnvelope(ev)) {
				return
			}

		case <-c.sub.Done():
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "stream closed"))
			return

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *wsClient) write(env Envelope) bool {
	data, err := json.Marshal(env)
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal stream frame")
		return true
	}

	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, data) == nil
}

// readPump drains the peer so pongs and close frames are processed. Any
// read error releases the subscription.
func (c *wsClient) readPump() {
	defer func() {
		c.sub.Cancel()
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Debug().Err(err).Uint64("subscription", c.sub.ID()).Msg("WebSocket read error")
			}
			return
		}
	}
}
