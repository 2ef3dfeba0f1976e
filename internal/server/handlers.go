package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/alexjbarnes/docbridge/internal/logging"
	"github.com/alexjbarnes/docbridge/internal/models"
	"github.com/alexjbarnes/docbridge/internal/provider"
)

// Issuer mints a key for a completed consent flow.
type Issuer interface {
	Issue(ident models.Identity, tokens models.ProviderTokens) (string, error)
}

// KeyLister is the self-service view of a subject's keys.
type KeyLister interface {
	ListForSubject(subjectID string) []models.KeySummary
	Revoke(key, subjectID string) (bool, error)
}

type callbackResponse struct {
	APIKey string `json:"api_key"`
}

type meResponse struct {
	SubjectID         string     `json:"subject_id"`
	Email             string     `json:"email,omitempty"`
	DisplayName       string     `json:"display_name,omitempty"`
	AvatarURL         string     `json:"avatar_url,omitempty"`
	Scopes            []string   `json:"scopes"`
	AccessTokenExpiry *time.Time `json:"access_token_expiry"`
}

type keysResponse struct {
	Keys []models.KeySummary `json:"keys"`
}

// HandleLogin returns the /auth/login handler. It redirects the browser to
// the provider's consent page with a fresh one-time state value.
func HandleLogin(p provider.Adapter, states *StateStore, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		state := states.New()
		if state == "" {
			logger.Warn("login: too many pending consent flows", slog.String("ip", remoteIP(r)))
			writeJSONError(w, http.StatusServiceUnavailable, "temporarily_unavailable", "too many pending logins, try again later")

			return
		}

		http.Redirect(w, r, p.AuthCodeURL(state), http.StatusFound)
	}
}

// HandleCallback returns the /auth/callback handler. A valid callback
// exchanges the code, issues a key and returns it once. The key is never
// shown again.
func HandleCallback(p provider.Adapter, issuer Issuer, states *StateStore, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		ip := remoteIP(r)

		if errCode := q.Get("error"); errCode != "" {
			logger.Info("callback: consent denied",
				slog.String("error", errCode),
				slog.String("ip", ip),
			)
			writeJSONError(w, http.StatusBadRequest, "access_denied", "consent was not granted")

			return
		}

		if !states.Consume(q.Get("state")) {
			logger.Warn("callback: invalid state", slog.String("ip", ip))
			writeJSONError(w, http.StatusBadRequest, "invalid_request", "invalid or expired state")

			return
		}

		code := q.Get("code")
		if code == "" {
			writeJSONError(w, http.StatusBadRequest, "invalid_request", "code is required")
			return
		}

		ident, tokens, err := p.ExchangeIdentity(r.Context(), code)
		if err != nil {
			logger.Warn("callback: code exchange failed",
				slog.String("error", err.Error()),
				slog.String("ip", ip),
			)
			writeJSONError(w, http.StatusBadGateway, "exchange_failed", "could not complete sign-in with the provider")

			return
		}

		key, err := issuer.Issue(ident, tokens)
		if err != nil {
			logger.Error("callback: issuing key failed",
				slog.String("subject", ident.SubjectID),
				slog.String("error", err.Error()),
			)
			writeJSONError(w, http.StatusInternalServerError, "server_error", "could not issue key")

			return
		}

		logger.Info("callback: key issued",
			slog.String("subject", ident.SubjectID),
			slog.String("key", logging.KeyPrefix(key)),
			slog.String("ip", ip),
		)

		w.Header().Set("Cache-Control", "no-store")
		writeJSON(w, http.StatusOK, callbackResponse{APIKey: key})
	}
}

// HandleMe returns the /api/me handler.
func HandleMe() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cred := RequestCredential(r.Context())
		if cred == nil {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}

		rec := cred.Record
		writeJSON(w, http.StatusOK, meResponse{
			SubjectID:         rec.SubjectID,
			Email:             rec.Email,
			DisplayName:       rec.DisplayName,
			AvatarURL:         rec.AvatarURL,
			Scopes:            rec.GrantedScopes,
			AccessTokenExpiry: rec.AccessTokenExpiry,
		})
	}
}

// HandleListKeys returns the GET /api/keys handler.
func HandleListKeys(lister KeyLister) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		subject := RequestSubjectID(r.Context())
		if subject == "" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}

		list := lister.ListForSubject(subject)
		if list == nil {
			list = []models.KeySummary{}
		}

		writeJSON(w, http.StatusOK, keysResponse{Keys: list})
	}
}

// HandleRevokeKey returns the DELETE /api/keys/{key} handler. Unknown and
// foreign keys both answer 404.
func HandleRevokeKey(lister KeyLister, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		subject := RequestSubjectID(r.Context())
		if subject == "" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}

		key := r.PathValue("key")

		ok, err := lister.Revoke(key, subject)
		if err != nil {
			logger.Error("revoke failed",
				slog.String("key", logging.KeyPrefix(key)),
				slog.String("subject", subject),
				slog.String("error", err.Error()),
			)
			writeJSONError(w, http.StatusInternalServerError, "server_error", "could not revoke key")

			return
		}

		if !ok {
			writeJSONError(w, http.StatusNotFound, "not_found", "key not found")
			return
		}

		w.WriteHeader(http.StatusNoContent)
	}
}

// HandleHealth returns the /healthz handler.
func HandleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, errCode, description string) {
	writeJSON(w, status, map[string]string{
		"error":             errCode,
		"error_description": description,
	})
}
