// Package server provides HTTP server construction for docbridge: the
// provider consent flow, key-authenticated self-service endpoints and the
// MCP endpoint.
package server

import (
	"log/slog"
	"net/http"

	"github.com/alexjbarnes/docbridge/internal/provider"
)

// KeyManager is the part of the key lifecycle the HTTP surface drives.
type KeyManager interface {
	Resolver
	Issuer
	KeyLister
}

// MuxConfig holds dependencies for building the HTTP mux.
type MuxConfig struct {
	Keys       KeyManager
	Provider   provider.Adapter
	States     *StateStore
	MCPHandler http.Handler
	Logger     *slog.Logger
}

// NewMux builds the HTTP mux. Everything under /api and /mcp requires a
// Bearer API key.
func NewMux(cfg MuxConfig) *http.ServeMux {
	requireKey := KeyMiddleware(cfg.Keys, cfg.Logger)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", HandleHealth())
	mux.HandleFunc("GET /auth/login", HandleLogin(cfg.Provider, cfg.States, cfg.Logger))
	mux.HandleFunc("GET /auth/callback", HandleCallback(cfg.Provider, cfg.Keys, cfg.States, cfg.Logger))

	mux.Handle("GET /api/me", requireKey(HandleMe()))
	mux.Handle("GET /api/keys", requireKey(HandleListKeys(cfg.Keys)))
	mux.Handle("DELETE /api/keys/{key}", requireKey(HandleRevokeKey(cfg.Keys, cfg.Logger)))

	if cfg.MCPHandler != nil {
		mux.Handle("/mcp", requireKey(cfg.MCPHandler))
	}

	return mux
}
