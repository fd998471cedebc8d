package server

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"lapse/internal/pipeline"

	"github.com/gorilla/websocket"
)

const writeWait = 5 * time.Second

// eventMessage is the wire form of a pipeline event on /stream and /ws.
type eventMessage struct {
	Type    string         `json:"type"` // progress or result
	JobID   string         `json:"job_id"`
	JobType string         `json:"job_type,omitempty"`
	Name    string         `json:"name,omitempty"`
	Done    int            `json:"done,omitempty"`
	Total   int            `json:"total,omitempty"`
	Error   string         `json:"error,omitempty"`
	Meta    map[string]any `json:"meta,omitempty"`
}

func newEventMessage(ev pipeline.Event) eventMessage {
	switch {
	case ev.Progress != nil:
		m := eventMessage{
			Type:  "progress",
			JobID: ev.Progress.JobID,
			Name:  ev.Progress.Name,
			Done:  ev.Progress.Done,
			Total: ev.Progress.Total,
		}
		if ev.Progress.Err != nil {
			m.Error = ev.Progress.Err.Error()
		}
		return m
	case ev.Result != nil:
		m := eventMessage{
			Type:    "result",
			JobID:   ev.Result.Job.ID,
			JobType: string(ev.Result.Job.Type),
			Meta:    ev.Result.Meta,
		}
		if ev.Result.Error != nil {
			m.Error = ev.Result.Error.Error()
		}
		return m
	}
	return eventMessage{}
}

// hub fans messages out to connected websocket clients.
type hub struct {
	log      *slog.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*websocket.Conn]bool
}

func newHub(log *slog.Logger) *hub {
	return &hub{
		log:     log,
		clients: make(map[*websocket.Conn]bool),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

func (h *hub) add(conn *websocket.Conn) {
	h.mu.Lock()
	h.clients[conn] = true
	n := len(h.clients)
	h.mu.Unlock()
	h.log.Debug("websocket client connected", "clients", n)
}

func (h *hub) remove(conn *websocket.Conn) {
	h.mu.Lock()
	if _, ok := h.clients[conn]; ok {
		delete(h.clients, conn)
		conn.Close()
	}
	n := len(h.clients)
	h.mu.Unlock()
	h.log.Debug("websocket client disconnected", "clients", n)
}

func (h *hub) len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// broadcast writes message to every client, dropping those that fail.
func (h *hub) broadcast(message []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		client.SetWriteDeadline(time.Now().Add(writeWait))
		if err := client.WriteMessage(websocket.TextMessage, message); err != nil {
			delete(h.clients, client)
			client.Close()
		}
	}
}

func (h *hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		client.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(writeWait))
		client.Close()
		delete(h.clients, client)
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.hub.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "error", err)
		return
	}
	s.hub.add(conn)

	go func() {
		defer s.hub.remove(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}
