package ws

import (
	"log/slog"
	"net/http"

	"kairo/internal/models"

	"github.com/gorilla/websocket"
)

// maxFrameSize bounds a single client frame. Longer frames close the
// connection; a message of content.MaxTextRunes fits even fully escaped.
const maxFrameSize = 64 * 1024

type identityBinder interface {
	Authenticate(r *http.Request) (models.Identity, error)
}

type Server struct {
	auth     identityBinder
	hub      *Hub
	upgrader *websocket.Upgrader
}

func NewServer(auth identityBinder, hub *Hub) *Server {
	return &Server{
		auth: auth,
		hub:  hub,
		upgrader: &websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}
}

// HandleConnections binds the caller's identity and then upgrades the request.
// Unauthenticated requests are refused before the upgrade and leave no state behind.
func (s *Server) HandleConnections(w http.ResponseWriter, r *http.Request) {
	identity, err := s.auth.Authenticate(r)
	if err != nil {
		slog.Debug("websocket authentication failed", "remote_addr", r.RemoteAddr, "error", err)
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("error upgrading to websocket", "error", err)
		return
	}
	ws.SetReadLimit(maxFrameSize)

	conn := NewConnection(s.hub, ws, identity)
	if err := conn.Handle(r.Context()); err != nil {
		slog.Warn("connection closed with error", "conn_id", conn.ID(), "user_id", identity.UserID, "error", err)
	}
}
