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

type AdminServer struct {
	server *http.Server
	wg     sync.WaitGroup
}

type AdminConfig struct {
	Addr         string
	User         string
	PasswordHash string
}

func NewAdminServer(authService *auth.AuthService, hub *ws.Hub, store storage.Store, cfg AdminConfig) *AdminServer {
	adminHandler := api.NewAdminHandler(authService, hub, store)
	guard := func(h http.HandlerFunc) http.HandlerFunc {
		return api.RequireAdmin(cfg.User, cfg.PasswordHash, h)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /admin/tokens", guard(adminHandler.IssueTokenHandler))
	mux.HandleFunc("POST /admin/groups/{groupId}/members", guard(adminHandler.AddGroupMemberHandler))
	mux.HandleFunc("GET /admin/presence", guard(adminHandler.PresenceHandler))
	mux.HandleFunc("GET /admin/users/{userId}/presence", guard(adminHandler.UserPresenceHandler))

	addr := cfg.Addr
	if addr == "" {
		addr = "localhost:8081"
	}
	if cfg.PasswordHash == "" {
		slog.Warn("admin API has no password configured, anyone who can reach it may issue tokens", "addr", addr)
	}

	return &AdminServer{
		server: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
	}
}

func (s *AdminServer) Handler() http.Handler {
	return s.server.Handler
}

func (s *AdminServer) Start() error {
	slog.Info("Admin API started", "addr", s.server.Addr)
	s.wg.Add(1)
	defer s.wg.Done()

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *AdminServer) Shutdown(ctx context.Context) error {
	defer s.wg.Wait()
	return s.server.Shutdown(ctx)
}
