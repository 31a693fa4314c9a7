package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"kairo/internal/auth"
	"kairo/internal/models"
	"kairo/internal/storage"
	"kairo/internal/ws"
)

type API struct {
	auth  *auth.AuthService
	hub   *ws.Hub
	store storage.Store
}

func New(auth *auth.AuthService, hub *ws.Hub, store storage.Store) *API {
	return &API{auth: auth, hub: hub, store: store}
}

type identityKey struct{}

// RequireAuth rejects requests without a valid credential and stores the
// caller's identity in the request context.
func (a *API) RequireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		identity, err := a.auth.Authenticate(r)
		if err != nil {
			writeError(w, err)
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), identityKey{}, identity)))
	}
}

func identityFrom(r *http.Request) models.Identity {
	identity, _ := r.Context().Value(identityKey{}).(models.Identity)
	return identity
}

type ErrorResponse struct {
	Code      models.Code `json:"code"`
	Message   string      `json:"message"`
	Retryable bool        `json:"retryable,omitempty"`
}

type HistoryResponse struct {
	Channel  string           `json:"channel"`
	Messages []models.Message `json:"messages"`
}

type CountResponse struct {
	Count int `json:"count"`
}

type EditRequest struct {
	Text string `json:"text"`
}

func (a *API) UpHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HistoryHandler returns the private thread between the caller and peerId.
func (a *API) HistoryHandler(w http.ResponseWriter, r *http.Request) {
	identity := identityFrom(r)
	peerID, err := peerParam(r, identity)
	if err != nil {
		writeError(w, err)
		return
	}
	a.writeHistory(w, r, models.Private(identity.UserID, peerID).Key())
}

func (a *API) GroupHistoryHandler(w http.ResponseWriter, r *http.Request) {
	identity := identityFrom(r)
	groupID := r.PathValue("groupId")
	if err := models.ValidateID("group id", groupID); err != nil {
		writeError(w, err)
		return
	}

	member, err := a.store.IsGroupMember(r.Context(), groupID, identity.UserID)
	if err != nil {
		writeError(w, err)
		return
	}
	if !member {
		writeError(w, models.Forbidden("not a member of group %s", groupID))
		return
	}
	a.writeHistory(w, r, models.Group(groupID).Key())
}

func (a *API) writeHistory(w http.ResponseWriter, r *http.Request, channel string) {
	before, limit, err := pageParams(r)
	if err != nil {
		writeError(w, err)
		return
	}
	messages, err := a.store.FetchRecent(r.Context(), channel, before, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, HistoryResponse{Channel: channel, Messages: messages})
}

// MarkReadHandler marks every message peerId sent to the caller as read.
func (a *API) MarkReadHandler(w http.ResponseWriter, r *http.Request) {
	identity := identityFrom(r)
	peerID, err := peerParam(r, identity)
	if err != nil {
		writeError(w, err)
		return
	}
	count, err := a.hub.MarkThreadRead(r.Context(), identity.UserID, peerID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, CountResponse{Count: count})
}

func (a *API) UnreadHandler(w http.ResponseWriter, r *http.Request) {
	identity := identityFrom(r)
	peerID, err := peerParam(r, identity)
	if err != nil {
		writeError(w, err)
		return
	}
	count, err := a.store.CountUnread(r.Context(), peerID, identity.UserID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, CountResponse{Count: count})
}

func (a *API) EditMessageHandler(w http.ResponseWriter, r *http.Request) {
	id, err := messageID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req EditRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, models.Wrap(models.CodeInvalidPayload, "invalid request body", err))
		return
	}

	updated, err := a.hub.EditMessage(r.Context(), identityFrom(r).UserID, id, req.Text)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (a *API) DeleteMessageHandler(w http.ResponseWriter, r *http.Request) {
	id, err := messageID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := a.hub.DeleteMessage(r.Context(), identityFrom(r).UserID, id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// LogoffHandler revokes the presented token and clears the token cookie.
func (a *API) LogoffHandler(w http.ResponseWriter, r *http.Request) {
	if token := auth.Credential(r); token != "" {
		if err := a.auth.Logoff(token); err != nil {
			slog.Debug("logoff with invalid token", "error", err)
		}
	}

	http.SetCookie(w, &http.Cookie{
		Name:     auth.TokenCookie,
		Value:    "",
		HttpOnly: true,
		Path:     "/",
		MaxAge:   -1,
	})

	w.WriteHeader(http.StatusOK)
}

func pageParams(r *http.Request) (before int64, limit int, err error) {
	q := r.URL.Query()
	if v := q.Get("before"); v != "" {
		before, err = strconv.ParseInt(v, 10, 64)
		if err != nil || before < 0 {
			return 0, 0, models.InvalidPayload("before must be a non-negative integer")
		}
	}
	limit = storage.MaxHistory
	if v := q.Get("limit"); v != "" {
		limit, err = strconv.Atoi(v)
		if err != nil || limit < 1 {
			return 0, 0, models.InvalidPayload("limit must be a positive integer")
		}
	}
	return before, limit, nil
}

// peerParam returns the peerId path value, which must name another user.
func peerParam(r *http.Request, identity models.Identity) (string, error) {
	peerID := r.PathValue("peerId")
	if err := models.ValidateID("peer id", peerID); err != nil {
		return "", err
	}
	if peerID == identity.UserID {
		return "", models.InvalidPayload("invalid peer %q", peerID)
	}
	return peerID, nil
}

func messageID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(r.PathValue("id")), 10, 64)
	if err != nil || id <= 0 {
		return 0, models.InvalidPayload("invalid message id %q", r.PathValue("id"))
	}
	return id, nil
}

func statusFor(code models.Code) int {
	switch code {
	case models.CodeUnauthenticated:
		return http.StatusUnauthorized
	case models.CodeInvalidPayload, models.CodeInvalidMessage, models.CodeNotJoined:
		return http.StatusBadRequest
	case models.CodeForbidden:
		return http.StatusForbidden
	case models.CodeNotFound:
		return http.StatusNotFound
	case models.CodeStoreUnavailable:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, err error) {
	code := models.CodeOf(err)
	status := statusFor(code)
	message := err.Error()
	if status >= http.StatusInternalServerError {
		slog.Error("request failed", "code", code, "error", err)
		if code == models.CodeInternal {
			message = "internal error"
		}
	}
	writeJSON(w, status, ErrorResponse{
		Code:      code,
		Message:   message,
		Retryable: models.IsRetryable(err),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}
