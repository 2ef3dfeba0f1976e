package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alexjbarnes/docbridge/internal/config"
	"github.com/alexjbarnes/docbridge/internal/keys"
	"github.com/alexjbarnes/docbridge/internal/logging"
	"github.com/alexjbarnes/docbridge/internal/mcpserver"
	"github.com/alexjbarnes/docbridge/internal/provider"
	"github.com/alexjbarnes/docbridge/internal/server"
	"github.com/alexjbarnes/docbridge/internal/store"
	"golang.org/x/sync/errgroup"
)

var Version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment, cfg.LogLevel)
	logger.Info("docbridge starting",
		slog.String("version", Version),
		slog.String("store_backend", cfg.StoreBackend),
		slog.String("store_path", cfg.StorePath),
	)

	st, err := store.Open(cfg.StoreBackend, cfg.StorePath)
	if err != nil {
		return fmt.Errorf("opening credential store: %w", err)
	}

	p := provider.NewOAuth2(provider.Config{
		ClientID:     cfg.OAuthClientID,
		ClientSecret: cfg.OAuthClientSecret,
		AuthURL:      cfg.OAuthAuthURL,
		TokenURL:     cfg.OAuthTokenURL,
		UserInfoURL:  cfg.OAuthUserInfoURL,
		RedirectURL:  cfg.RedirectURL(),
		Scopes:       cfg.Scopes(),
	}, logger.With(slog.String("component", "provider")))

	manager, err := keys.NewManager(st, p, keys.Config{
		Lookahead:       cfg.RefreshLookahead,
		Retention:       cfg.KeyRetention,
		CleanupInterval: cfg.CleanupInterval,
	}, logger.With(slog.String("component", "keys")))
	if err != nil {
		st.Close()
		return fmt.Errorf("starting key manager: %w", err)
	}
	defer manager.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return manager.Run(gctx)
	})

	g.Go(func() error {
		return serveHTTP(gctx, cfg, manager, p, logger)
	})

	return g.Wait()
}

// serveHTTP runs the HTTP server until ctx is cancelled.
func serveHTTP(ctx context.Context, cfg *config.Config, manager *keys.Manager, p provider.Adapter, logger *slog.Logger) error {
	httpLogger := logger.With(slog.String("component", "http"))

	states := server.NewStateStore()
	defer states.Stop()

	mux := server.NewMux(server.MuxConfig{
		Keys:       manager,
		Provider:   p,
		States:     states,
		MCPHandler: mcpserver.NewHandler(manager, httpLogger, Version),
		Logger:     httpLogger,
	})

	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Shutdown when context is cancelled.
	go func() {
		<-ctx.Done()
		httpLogger.Info("shutting down HTTP server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	httpLogger.Info("starting HTTP server",
		slog.String("listen", cfg.ListenAddr),
		slog.String("server_url", cfg.ServerURL),
		slog.String("redirect_url", cfg.RedirectURL()),
	)

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("HTTP server error: %w", err)
	}

	return nil
}
