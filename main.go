package main

import (
	"context"
	"encoding/base64"
	"errors"
	"flag"
	"log/slog"
	oshttp "net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"kairo/internal/auth"
	"kairo/internal/commands"
	"kairo/internal/config"
	"kairo/internal/http"
	"kairo/internal/presence"
	"kairo/internal/storage"
	"kairo/internal/ws"

	"golang.org/x/sync/errgroup"
)

func run(ctx context.Context, args []string) error {
	flags := flag.NewFlagSet("kairo", flag.ContinueOnError)
	issueToken := flags.String("issue-token", "", "User ID to issue an access token for (talks to the running server's admin API)")
	username := flags.String("username", "", "Display name for -issue-token (defaults to the user ID)")
	if err := flags.Parse(args); err != nil {
		return err
	}

	cliMode := *issueToken != ""
	cfg, err := config.Load(cliMode)
	if err != nil {
		return err
	}

	logger, err := config.NewLogger(os.Stderr, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	if cliMode {
		client := &oshttp.Client{Timeout: 10 * time.Second}
		return commands.IssueToken(os.Stdout, client, cfg, *issueToken, *username)
	}

	authConfig := auth.Config{
		Secret:      base64.StdEncoding.EncodeToString([]byte(cfg.AuthSecret)),
		TokenExpiry: cfg.TokenExpiry,
	}

	store, err := storage.Open(cfg.Store, cfg.StorePath())
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			slog.Error("failed to close store", "error", err)
		}
	}()

	authService, err := auth.NewAuthService(ctx, authConfig)
	if err != nil {
		return err
	}

	hub := ws.NewHub(ws.HubConfig{
		Store:          store,
		Presence:       presence.New(),
		HistoryLimit:   cfg.HistoryLimit,
		OutboundBuffer: cfg.OutboundBuffer,
	})

	adminServer := http.NewAdminServer(authService, hub, store, http.AdminConfig{
		Addr:         cfg.AdminAddr,
		User:         cfg.AdminUser,
		PasswordHash: cfg.AdminPasswordHash,
	})
	apiServer := http.NewAPIServer(authService, hub, store, cfg.APIAddr)

	slog.Info("starting kairo", "store", cfg.Store, "path", cfg.StorePath())

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(adminServer.Start)
	g.Go(apiServer.Start)

	// Wait for context cancellation (signal) or a server failure
	g.Go(func() error {
		<-gCtx.Done()
		slog.Info("shutting down servers")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := adminServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("admin server shutdown error", "error", err)
		}
		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("API server shutdown error", "error", err)
		}
		slog.Info("servers stopped", "hub", hub.Stats().String())
		return nil
	})

	return g.Wait()
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Args[1:]); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, flag.ErrHelp) {
		slog.Error("application error", "error", err)
		os.Exit(1)
	}
}
