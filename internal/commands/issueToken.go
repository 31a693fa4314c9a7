package commands

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"kairo/internal/api"
	"kairo/internal/auth"
	"kairo/internal/config"
)

// IssueToken asks the running server's admin API for an access token and prints it to w.
func IssueToken(w io.Writer, client *http.Client, cfg *config.Config, userID, username string) error {
	reqBody, err := json.Marshal(api.IssueTokenRequest{UserID: userID, Username: username})
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost, adminURL(cfg.AdminAddr)+"/admin/tokens", bytes.NewReader(reqBody))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if cfg.AdminPassword != "" {
		req.SetBasicAuth(cfg.AdminUser, cfg.AdminPassword)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to call admin API: %w. Is the server running?", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("failed to issue token (Status: %d): %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var result auth.TokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	fmt.Fprintf(w, "\nToken issued\n")
	fmt.Fprintf(w, "User ID:    %s\n", result.UserID)
	fmt.Fprintf(w, "Username:   %s\n", result.Username)
	fmt.Fprintf(w, "Expires:    %s\n", time.Unix(result.TokenExpiry, 0).UTC().Format(time.RFC3339))
	fmt.Fprintf(w, "Token:      %s\n", result.Token)
	fmt.Fprintf(w, "Connect:    %s/api/chat?token=%s\n\n", wsURL(cfg.BaseURL), result.Token)
	return nil
}

func adminURL(addr string) string {
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return strings.TrimSuffix(addr, "/")
	}
	return "http://" + addr
}

func wsURL(base string) string {
	base = strings.TrimSuffix(base, "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base
}
