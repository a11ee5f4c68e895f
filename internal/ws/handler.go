package ws

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"mobwatch/internal/pipeline"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 64 * 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// StatusSource returns the current status of a job
type StatusSource interface {
	Get(id string) (*pipeline.JobStatus, bool)
}

// Handler upgrades requests to websocket job subscriptions
type Handler struct {
	hub  *JobHub
	jobs StatusSource
}

// NewHandler creates a new websocket handler
func NewHandler(hub *JobHub, jobs StatusSource) *Handler {
	return &Handler{hub: hub, jobs: jobs}
}

// ServeJob subscribes the connection to updates of jobID. The current status
// is sent right after the upgrade.
func (h *Handler) ServeJob(w http.ResponseWriter, r *http.Request, jobID string) {
	if jobID == "" {
		http.Error(w, "job id required", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.hub.logger.Warn().Err(err).Msg("upgrade error")
		return
	}

	h.hub.logger.Debug().Str("job", jobID).Str("remote", r.RemoteAddr).Msg("new connection")

	c := &client{conn: conn}
	h.hub.Register(jobID, c)

	status, _ := h.jobs.Get(jobID)
	data, err := json.Marshal(NewStatusMessage(jobID, status))
	if err == nil {
		err = c.write(websocket.TextMessage, data)
	}
	if err != nil {
		h.hub.Unregister(jobID, c)
		conn.Close()
		return
	}

	go h.readPump(jobID, c)
}

// readPump keeps the connection alive and detects client disconnection
func (h *Handler) readPump(jobID string, c *client) {
	conn := c.conn
	defer func() {
		h.hub.Unregister(jobID, c)
		conn.Close()
	}()

	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	done := make(chan struct{})
	defer close(done)

	go func() {
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := c.write(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.hub.logger.Debug().Err(err).Str("job", jobID).Msg("read error")
			}
			return
		}
	}
}
