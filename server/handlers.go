package server

import (
	"database/sql"
	"encoding/json"
	"net/http"
	"time"

	"github.com/onnwee/stream-herald/watch"
)

// ProtocolStatus reports one websocket client's view for the status endpoint.
type ProtocolStatus struct {
	Name     string
	State    func() string
	Registry *watch.Registry
}

// Handlers carries the dependencies of the HTTP endpoints.
type Handlers struct {
	DB        *sql.DB
	Protocols []ProtocolStatus
	startedAt time.Time
}

// NewHandlers builds the handler set and records the process start time.
func NewHandlers(db *sql.DB, protocols ...ProtocolStatus) *Handlers {
	return &Handlers{DB: db, Protocols: protocols, startedAt: time.Now()}
}

// HandleHealthz is the liveness probe: the process is up and serving.
func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// HandleReadyz is the readiness probe: the database must answer a ping.
func (h *Handlers) HandleReadyz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if h.DB == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "not_ready", "error": "no database"})
		return
	}
	if err := h.DB.PingContext(r.Context()); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "not_ready", "error": err.Error()})
		return
	}
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ready"})
}

type protocolStatusBody struct {
	State     string `json:"state"`
	Awaiting  int    `json:"awaiting"`
	Listening int    `json:"listening"`
}

// HandleStatus reports uptime and each protocol's connection state and
// registry depths.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	protocols := make(map[string]protocolStatusBody, len(h.Protocols))
	for _, p := range h.Protocols {
		body := protocolStatusBody{State: p.State()}
		if p.Registry != nil {
			body.Awaiting, body.Listening = p.Registry.Counts()
		}
		protocols[p.Name] = body
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"uptime_seconds": int(time.Since(h.startedAt).Seconds()),
		"protocols":      protocols,
	})
}
