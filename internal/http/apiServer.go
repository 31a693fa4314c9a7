package http

import (
	"context"
	"log/slog"
	"net/http"
	"sync"

	"kairo/internal/api"
	"kairo/internal/auth"
	"kairo/internal/storage"
	"kairo/internal/ws"
)

type APIServer struct {
	server *http.Server
	wg     sync.WaitGroup
}

func NewAPIServer(authService *auth.AuthService, hub *ws.Hub, store storage.Store, addr string) *APIServer {
	server := ws.NewServer(authService, hub)
	apiHandlers := api.New(authService, hub, store)

	mux := http.NewServeMux()

	mux.HandleFunc("GET /up", apiHandlers.UpHandler)

	// API endpoints
	mux.HandleFunc("POST /api/logoff", apiHandlers.LogoffHandler)
	mux.HandleFunc("GET /api/messages/{peerId}", apiHandlers.RequireAuth(apiHandlers.HistoryHandler))
	mux.HandleFunc("GET /api/messages/unread/{peerId}", apiHandlers.RequireAuth(apiHandlers.UnreadHandler))
	mux.HandleFunc("PUT /api/messages/read/{peerId}", apiHandlers.RequireAuth(apiHandlers.MarkReadHandler))
	mux.HandleFunc("PUT /api/messages/{id}", apiHandlers.RequireAuth(apiHandlers.EditMessageHandler))
	mux.HandleFunc("DELETE /api/messages/{id}", apiHandlers.RequireAuth(apiHandlers.DeleteMessageHandler))
	mux.HandleFunc("GET /api/groups/{groupId}/messages", apiHandlers.RequireAuth(apiHandlers.GroupHistoryHandler))

	// WebSocket endpoint
	mux.HandleFunc("GET /api/chat", server.HandleConnections)

	if addr == "" {
		addr = ":8080"
	}

	return &APIServer{
		server: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
	}
}

// Handler exposes the router for in-process tests.
func (s *APIServer) Handler() http.Handler {
	return s.server.Handler
}

func (s *APIServer) Start() error {
	slog.Info("API server started", "addr", s.server.Addr)
	s.wg.Add(1)
	defer s.wg.Done()

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *APIServer) Shutdown(ctx context.Context) error {
	defer s.wg.Wait()
	return s.server.Shutdown(ctx)
}
