package api

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/btrfsvault/btrfsvault/internal/websocket"
)

// WSHandler upgrades HTTP connections onto the progress/log pub/sub hub.
// Unlike the teacher's WebSocket layer there is no JWT handshake here —
// this daemon has no user accounts — so each endpoint just subscribes
// the connection to its one fixed topic.
type WSHandler struct {
	hub *websocket.Hub
	log *zap.Logger
}

// NewWSHandler creates a WSHandler.
func NewWSHandler(hub *websocket.Hub, log *zap.Logger) *WSHandler {
	return &WSHandler{hub: hub, log: log.Named("ws_handler")}
}

// Progress handles GET /ws/progress.
func (h *WSHandler) Progress(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, websocket.TopicBackupProgress)
}

// Logs handles GET /ws/logs.
func (h *WSHandler) Logs(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, websocket.TopicLogs)
}

func (h *WSHandler) serve(w http.ResponseWriter, r *http.Request, topic string) {
	client, err := websocket.NewClient(h.hub, w, r, []string{topic}, h.log)
	if err != nil {
		h.log.Warn("ws upgrade failed", zap.Error(err))
		return
	}
	client.Run()
}
