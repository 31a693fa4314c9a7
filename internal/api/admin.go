package api

import (
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"kairo/internal/auth"
	"kairo/internal/models"
	"kairo/internal/storage"
	"kairo/internal/ws"

	"golang.org/x/crypto/bcrypt"
)

type AdminHandler struct {
	authService *auth.AuthService
	hub         *ws.Hub
	store       storage.Store
}

func NewAdminHandler(authService *auth.AuthService, hub *ws.Hub, store storage.Store) *AdminHandler {
	return &AdminHandler{authService: authService, hub: hub, store: store}
}

type IssueTokenRequest struct {
	UserID   string `json:"userId"`
	Username string `json:"username,omitempty"`
}

type AddMemberRequest struct {
	UserID string `json:"userId"`
}

type UserPresenceResponse struct {
	UserID      string   `json:"userId"`
	Online      bool     `json:"online"`
	Connections []string `json:"connections"`
}

type APIResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// RequireAdmin guards next with HTTP basic auth checked against a bcrypt hash.
// An empty hash leaves the admin API open; it is bound to localhost by default.
func RequireAdmin(user, passwordHash string, next http.HandlerFunc) http.HandlerFunc {
	if passwordHash == "" {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request) {
		u, p, ok := r.BasicAuth()
		userOK := subtle.ConstantTimeCompare([]byte(u), []byte(user)) == 1
		if !ok || !userOK || bcrypt.CompareHashAndPassword([]byte(passwordHash), []byte(p)) != nil {
			w.Header().Set("WWW-Authenticate", `Basic realm="kairo admin"`)
			writeError(w, models.ErrUnauthenticated)
			return
		}
		next(w, r)
	}
}

// IssueTokenHandler signs an access token for an arbitrary identity.
func (h *AdminHandler) IssueTokenHandler(w http.ResponseWriter, r *http.Request) {
	var req IssueTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, models.Wrap(models.CodeInvalidPayload, "invalid request body", err))
		return
	}

	resp, err := h.authService.Issue(models.Identity{UserID: req.UserID, Username: req.Username})
	if err != nil {
		writeError(w, err)
		return
	}
	slog.Info("token issued", "user_id", resp.UserID, "username", resp.Username)
	writeJSON(w, http.StatusOK, resp)
}

func (h *AdminHandler) AddGroupMemberHandler(w http.ResponseWriter, r *http.Request) {
	groupID := strings.TrimSpace(r.PathValue("groupId"))
	if err := models.ValidateID("group id", groupID); err != nil {
		writeError(w, err)
		return
	}

	var req AddMemberRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, models.Wrap(models.CodeInvalidPayload, "invalid request body", err))
		return
	}
	if err := models.ValidateID("user id", req.UserID); err != nil {
		writeError(w, err)
		return
	}

	if err := h.store.AddGroupMember(r.Context(), groupID, req.UserID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, APIResponse{Success: true})
}

func (h *AdminHandler) PresenceHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.hub.Stats())
}

// UserPresenceHandler reports whether a user is online and through which connections.
func (h *AdminHandler) UserPresenceHandler(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("userId")
	if err := models.ValidateID("user id", userID); err != nil {
		writeError(w, err)
		return
	}

	registry := h.hub.Presence()
	resp := UserPresenceResponse{
		UserID:      userID,
		Online:      registry.Online(userID),
		Connections: registry.Connections(userID),
	}
	if resp.Connections == nil {
		resp.Connections = []string{}
	}
	writeJSON(w, http.StatusOK, resp)
}
