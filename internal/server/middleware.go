package server

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/alexjbarnes/docbridge/internal/keys"
	"github.com/alexjbarnes/docbridge/internal/logging"
)

type contextKey int

const (
	ctxCredential contextKey = iota
	ctxAPIKey
	ctxRemoteIP
)

// Resolver turns an API key into a live credential.
type Resolver interface {
	Resolve(ctx context.Context, key string) (*keys.Credential, error)
}

// RequestCredential returns the credential resolved by KeyMiddleware, or nil.
func RequestCredential(ctx context.Context) *keys.Credential {
	v, _ := ctx.Value(ctxCredential).(*keys.Credential)
	return v
}

// RequestSubjectID returns the authenticated subject from the context, or "".
func RequestSubjectID(ctx context.Context) string {
	if c := RequestCredential(ctx); c != nil {
		return c.Record.SubjectID
	}

	return ""
}

// RequestAPIKey returns the API key the request authenticated with, or "".
func RequestAPIKey(ctx context.Context) string {
	v, _ := ctx.Value(ctxAPIKey).(string)
	return v
}

// RequestRemoteIP returns the client IP from the context, or "".
func RequestRemoteIP(ctx context.Context) string {
	v, _ := ctx.Value(ctxRemoteIP).(string)
	return v
}

// WithCredential returns ctx carrying cred as the authenticated credential.
func WithCredential(ctx context.Context, key string, cred *keys.Credential) context.Context {
	ctx = context.WithValue(ctx, ctxCredential, cred)
	return context.WithValue(ctx, ctxAPIKey, key)
}

// KeyMiddleware returns HTTP middleware that authenticates requests by
// their Bearer API key. Every failure is a bare 401: a caller cannot tell
// an unknown key from a revoked one.
func KeyMiddleware(resolver Resolver, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := remoteIP(r)

			authHeader := r.Header.Get("Authorization")
			if !strings.HasPrefix(authHeader, "Bearer ") {
				logger.Debug("middleware: no bearer key",
					slog.String("ip", ip),
					slog.String("path", r.URL.Path),
				)
				w.Header().Set("WWW-Authenticate", "Bearer")
				w.WriteHeader(http.StatusUnauthorized)

				return
			}

			key := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))

			if !keys.LooksLikeKey(key) {
				logger.Debug("middleware: malformed key",
					slog.String("ip", ip),
					slog.String("path", r.URL.Path),
				)
				w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
				w.WriteHeader(http.StatusUnauthorized)

				return
			}

			cred, err := resolver.Resolve(r.Context(), key)
			if err != nil {
				logger.Debug("middleware: key rejected",
					slog.String("key", logging.KeyPrefix(key)),
					slog.String("ip", ip),
					slog.String("path", r.URL.Path),
				)
				w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
				w.WriteHeader(http.StatusUnauthorized)

				return
			}

			logger.Debug("middleware: authenticated",
				slog.String("subject", cred.Record.SubjectID),
				slog.String("key", logging.KeyPrefix(key)),
				slog.String("ip", ip),
			)

			ctx := WithCredential(r.Context(), key, cred)
			ctx = context.WithValue(ctx, ctxRemoteIP, ip)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func remoteIP(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}

	return ip
}
