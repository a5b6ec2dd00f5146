package api

import (
	"context"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"

	"github.com/testsabirweb/slack_archive/pkg/models"
)

// WebSocket upgrader configuration
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// TODO: Implement proper origin checking in production
		return true
	},
}

const (
	// pongWait is how long a subscriber may stay silent before the read
	// side gives up.
	pongWait = 60 * time.Second

	// pingPeriod is the keepalive interval; it must be under pongWait.
	pingPeriod = 54 * time.Second

	// writeWait bounds a single websocket write.
	writeWait = 10 * time.Second
)

// JobUpdate is one job-status write pushed to progress subscribers.
type JobUpdate struct {
	JobID           string           `json:"job_id"`
	Status          models.JobStatus `json:"status"`
	Progress        string           `json:"progress"`
	ProgressPercent int              `json:"progress_percent"`
	Error           string           `json:"error,omitempty"`
	UpdatedAt       time.Time        `json:"updated_at"`
}

// Hub fans job updates out to websocket subscribers. Subscribers are
// read-only: anything they send besides control frames is discarded. The
// client set is confined to the Run loop, so no lock is needed.
type Hub struct {
	logger *log.Logger

	clients    map[*client]struct{}
	register   chan *client
	unregister chan *client
	broadcast  chan JobUpdate
}

// client is one websocket subscriber with a buffered outbound queue.
type client struct {
	conn *websocket.Conn
	send chan JobUpdate
	hub  *Hub
}

// NewHub creates a progress hub. Run must be started before the HTTP server
// accepts websocket connections.
func NewHub(logger *log.Logger) *Hub {
	return &Hub{
		logger:     logger,
		clients:    make(map[*client]struct{}),
		register:   make(chan *client),
		unregister: make(chan *client),
		broadcast:  make(chan JobUpdate, 64),
	}
}

// Run owns the subscriber set and loops until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			for c := range h.clients {
				close(c.send)
			}
			return

		case c := <-h.register:
			h.clients[c] = struct{}{}
			h.logger.Debug("progress subscriber connected", "subscribers", len(h.clients))

		case c := <-h.unregister:
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
				h.logger.Debug("progress subscriber disconnected", "subscribers", len(h.clients))
			}

		case update := <-h.broadcast:
			for c := range h.clients {
				select {
				case c.send <- update:
				default:
					// Subscriber can't keep up, drop it.
					delete(h.clients, c)
					close(c.send)
				}
			}
		}
	}
}

// NotifyJob queues a job write for broadcast. It never blocks the caller;
// updates are dropped when the hub is saturated.
func (h *Hub) NotifyJob(job *models.Job) {
	update := JobUpdate{
		JobID:           job.ID,
		Status:          job.Status,
		Progress:        job.Progress,
		ProgressPercent: job.ProgressPercent,
		Error:           job.Error,
		UpdatedAt:       job.UpdatedAt,
	}
	select {
	case h.broadcast <- update:
	default:
		h.logger.Warn("progress broadcast buffer full, dropping update", "job", job.ID)
	}
}

// ServeWS upgrades the request and subscribes the connection to job updates.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	c := &client{
		conn: conn,
		send: make(chan JobUpdate, 256),
		hub:  h,
	}
	h.register <- c

	go c.writePump()
	go c.readPump()
}

// readPump exists to notice disconnects and answer pings; subscriber frames
// carry no commands.
func (c *client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// writePump drains the subscriber's queue and keeps the connection alive.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case update, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(update); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
