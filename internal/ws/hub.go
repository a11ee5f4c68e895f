// Package ws pushes job progress to websocket subscribers.
package ws

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"mobwatch/internal/pipeline"
)

const writeWait = 10 * time.Second

// client wraps a connection. gorilla connections allow one writer at a time.
type client struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *client) write(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(messageType, data)
}

// JobHub manages websocket connections subscribed to job updates
type JobHub struct {
	// clients maps job_id -> set of connections
	clients map[string]map[*client]bool
	mu      sync.RWMutex
	logger  zerolog.Logger
}

// NewJobHub creates a new job hub
func NewJobHub(logger zerolog.Logger) *JobHub {
	return &JobHub{
		clients: make(map[string]map[*client]bool),
		logger:  logger.With().Str("component", "ws").Logger(),
	}
}

// Register adds a connection for a specific job
func (h *JobHub) Register(jobID string, c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.clients[jobID] == nil {
		h.clients[jobID] = make(map[*client]bool)
	}
	h.clients[jobID][c] = true
	h.logger.Debug().Str("job", jobID).Int("total", len(h.clients[jobID])).Msg("client registered")
}

// Unregister removes a connection for a specific job
func (h *JobHub) Unregister(jobID string, c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if conns, ok := h.clients[jobID]; ok {
		delete(conns, c)
		if len(conns) == 0 {
			delete(h.clients, jobID)
		}
		h.logger.Debug().Str("job", jobID).Msg("client unregistered")
	}
}

// HasClients returns true if there are any clients connected for a job
func (h *JobHub) HasClients(jobID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	conns, ok := h.clients[jobID]
	return ok && len(conns) > 0
}

// ClientCount returns the total number of connected clients
func (h *JobHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	count := 0
	for _, conns := range h.clients {
		count += len(conns)
	}
	return count
}

// BroadcastToJob sends a message to all clients subscribed to a job
func (h *JobHub) BroadcastToJob(jobID string, message []byte) {
	h.mu.RLock()
	conns := make([]*client, 0, len(h.clients[jobID]))
	for c := range h.clients[jobID] {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	for _, c := range conns {
		if err := c.write(websocket.TextMessage, message); err != nil {
			h.logger.Warn().Err(err).Str("job", jobID).Msg("error sending to client")
			h.Unregister(jobID, c)
			c.conn.Close()
		}
	}
}

// Broadcast marshals msg and sends it to the subscribers of a job
func (h *JobHub) Broadcast(jobID string, msg any) {
	if !h.HasClients(jobID) {
		return
	}

	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error().Err(err).Msg("error marshaling message")
		return
	}
	h.BroadcastToJob(jobID, data)
}

// OnEvent implements pipeline.EventHandler
func (h *JobHub) OnEvent(event *pipeline.Event) {
	if event == nil {
		return
	}
	switch event.Type {
	case pipeline.EventFrame:
		h.Broadcast(event.JobID, NewProgressMessage(event))
	case pipeline.EventCompleted, pipeline.EventFailed:
		h.Broadcast(event.JobID, NewResultMessage(event))
	}
}

var _ pipeline.EventHandler = (*JobHub)(nil)
