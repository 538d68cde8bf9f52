package ingest

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/nicktill/tinyrelay/pkg/config"
	"github.com/nicktill/tinyrelay/pkg/observability"
	"github.com/nicktill/tinyrelay/pkg/telemetry"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		// No Origin header = non-browser client (curl, websocat)
		return origin == "" || origin == "http://"+r.Host || origin == "https://"+r.Host
	},
	ReadBufferSize:  config.WSReadBufferSize,
	WriteBufferSize: config.WSWriteBufferSize,
}

// wsClient is one live-stream viewer. Only its write loop touches conn for writing.
type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// RecordHub pushes every freshly stored record to connected WebSocket clients
type RecordHub struct {
	clients    map[*wsClient]struct{}
	register   chan *wsClient
	unregister chan *wsClient
	broadcast  chan []byte
	done       chan struct{}

	metrics *observability.Metrics
	logger  logrus.FieldLogger

	mu sync.RWMutex
}

// NewRecordHub creates a new WebSocket hub
func NewRecordHub(metrics *observability.Metrics, logger logrus.FieldLogger) *RecordHub {
	return &RecordHub{
		clients:    make(map[*wsClient]struct{}),
		register:   make(chan *wsClient, config.WSChannelBuffer),
		unregister: make(chan *wsClient, config.WSChannelBuffer),
		broadcast:  make(chan []byte, config.WSBroadcastBuffer),
		done:       make(chan struct{}),
		metrics:    metrics,
		logger:     logger.WithField("component", "ws"),
	}
}

// Run owns the client set until ctx is cancelled. A client whose queue is
// full is disconnected rather than slowing everyone else down.
func (h *RecordHub) Run(ctx context.Context) {
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
			}
			h.clients = make(map[*wsClient]struct{})
			h.mu.Unlock()
			h.metrics.WSClients.Set(0)
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			count := len(h.clients)
			h.mu.Unlock()
			h.metrics.WSClients.Set(float64(count))
			h.logger.WithField("clients", count).Info("live stream client connected")

		case c := <-h.unregister:
			if h.drop(c) {
				h.logger.WithField("clients", h.count()).Info("live stream client disconnected")
			}

		case message := <-h.broadcast:
			var slow []*wsClient
			h.mu.RLock()
			for c := range h.clients {
				select {
				case c.send <- message:
				default:
					slow = append(slow, c)
				}
			}
			h.mu.RUnlock()

			for _, c := range slow {
				if h.drop(c) {
					h.logger.Warn("live stream client too slow, disconnecting")
				}
			}
		}
	}
}

// drop removes c and closes its queue. Only called from Run.
func (h *RecordHub) drop(c *wsClient) bool {
	h.mu.Lock()
	_, ok := h.clients[c]
	if ok {
		delete(h.clients, c)
		close(c.send)
	}
	count := len(h.clients)
	h.mu.Unlock()

	h.metrics.WSClients.Set(float64(count))
	return ok
}

func (h *RecordHub) count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast queues a record for every client. A full queue drops it:
// ingestion must never wait on a slow viewer.
func (h *RecordHub) Broadcast(view telemetry.RecordView) {
	message, err := json.Marshal(view)
	if err != nil {
		h.logger.WithError(err).Warn("failed to encode record for live stream")
		return
	}

	select {
	case h.broadcast <- message:
	default:
		h.logger.Debug("live stream queue full, dropping record")
	}
}

// HasClients returns true if there are any connected WebSocket clients
func (h *RecordHub) HasClients() bool {
	return h.count() > 0
}

// ServeHTTP upgrades the request and keeps the connection until the peer leaves
func (h *RecordHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WithError(err).Warn("websocket upgrade failed")
		return
	}

	c := &wsClient{conn: conn, send: make(chan []byte, config.WSClientBuffer)}
	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}

	go h.writeLoop(c)
	h.readLoop(c)

	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

// writeLoop sends queued records and keep-alive pings until the queue closes
func (h *RecordHub) writeLoop(c *wsClient) {
	ticker := time.NewTicker(config.WSPingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(config.WSWriteDeadline))
			if !ok {
				c.goingAway()
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				h.logger.WithError(err).Debug("live stream write failed")
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(config.WSWriteDeadline))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-h.done:
			c.conn.SetWriteDeadline(time.Now().Add(config.WSWriteDeadline))
			c.goingAway()
			return
		}
	}
}

func (c *wsClient) goingAway() {
	c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
}

// readLoop services control frames; clients never send data
func (h *RecordHub) readLoop(c *wsClient) {
	c.conn.SetReadDeadline(time.Now().Add(config.WSReadDeadline))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(config.WSReadDeadline))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.WithError(err).Debug("websocket closed unexpectedly")
			}
			return
		}
	}
}
