package e2e_test

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alexjbarnes/docbridge/internal/keys"
	"github.com/alexjbarnes/docbridge/internal/mcpserver"
	"github.com/alexjbarnes/docbridge/internal/models"
	"github.com/alexjbarnes/docbridge/internal/provider"
	"github.com/alexjbarnes/docbridge/internal/server"
	"github.com/alexjbarnes/docbridge/internal/store"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/require"
)

const (
	testClientID     = "e2e-client"
	testClientSecret = "e2e-secret"
)

// fakeProvider is a minimal OAuth2 + userinfo server. Consent is granted
// immediately for whichever subject is set via nextSubject.
type fakeProvider struct {
	*httptest.Server

	mu            sync.Mutex
	nextSubject   string
	expiresIn     int
	rejectRefresh bool
	codes         map[string]string // code -> subject
	accessTokens  map[string]string // access token -> subject
	refreshTokens map[string]string // refresh token -> subject
	refreshCalls  int
	issued        int
}

func newFakeProvider(t *testing.T) *fakeProvider {
	t.Helper()

	fp := &fakeProvider{
		nextSubject:   "alice",
		expiresIn:     3600,
		codes:         make(map[string]string),
		accessTokens:  make(map[string]string),
		refreshTokens: make(map[string]string),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/authorize", fp.handleAuthorize)
	mux.HandleFunc("/token", fp.handleToken)
	mux.HandleFunc("/userinfo", fp.handleUserInfo)

	fp.Server = httptest.NewServer(mux)
	t.Cleanup(fp.Close)

	return fp
}

func (fp *fakeProvider) setSubject(s string) {
	fp.mu.Lock()
	fp.nextSubject = s
	fp.mu.Unlock()
}

func (fp *fakeProvider) setExpiresIn(seconds int) {
	fp.mu.Lock()
	fp.expiresIn = seconds
	fp.mu.Unlock()
}

func (fp *fakeProvider) setRejectRefresh(v bool) {
	fp.mu.Lock()
	fp.rejectRefresh = v
	fp.mu.Unlock()
}

func (fp *fakeProvider) refreshCount() int {
	fp.mu.Lock()
	defer fp.mu.Unlock()
	return fp.refreshCalls
}

func (fp *fakeProvider) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	fp.mu.Lock()
	fp.issued++
	code := fmt.Sprintf("code-%d", fp.issued)
	fp.codes[code] = fp.nextSubject
	fp.mu.Unlock()

	target := q.Get("redirect_uri") + "?" + url.Values{
		"code":  {code},
		"state": {q.Get("state")},
	}.Encode()

	http.Redirect(w, r, target, http.StatusFound)
}

func (fp *fakeProvider) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	if r.PostForm.Get("client_id") != testClientID || r.PostForm.Get("client_secret") != testClientSecret {
		writeTokenError(w, "invalid_client")
		return
	}

	fp.mu.Lock()
	defer fp.mu.Unlock()

	var subject string

	switch r.PostForm.Get("grant_type") {
	case "authorization_code":
		s, ok := fp.codes[r.PostForm.Get("code")]
		if !ok {
			writeTokenError(w, "invalid_grant")
			return
		}

		delete(fp.codes, r.PostForm.Get("code"))
		subject = s
	case "refresh_token":
		fp.refreshCalls++

		s, ok := fp.refreshTokens[r.PostForm.Get("refresh_token")]
		if !ok || fp.rejectRefresh {
			writeTokenError(w, "invalid_grant")
			return
		}

		subject = s
	default:
		writeTokenError(w, "unsupported_grant_type")
		return
	}

	fp.issued++
	access := fmt.Sprintf("at-%s-%d", subject, fp.issued)
	fp.accessTokens[access] = subject

	resp := map[string]any{
		"access_token": access,
		"token_type":   "Bearer",
		"expires_in":   fp.expiresIn,
		"scope":        "openid email profile",
	}

	if r.PostForm.Get("grant_type") == "authorization_code" {
		refresh := "rt-" + subject + "-" + keys.RandomHex(4)
		fp.refreshTokens[refresh] = subject
		resp["refresh_token"] = refresh
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (fp *fakeProvider) handleUserInfo(w http.ResponseWriter, r *http.Request) {
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")

	fp.mu.Lock()
	subject, ok := fp.accessTokens[token]
	fp.mu.Unlock()

	if !ok {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"sub":   "sub-" + subject,
		"email": subject + "@example.com",
		"name":  strings.ToUpper(subject[:1]) + subject[1:],
	})
}

func writeTokenError(w http.ResponseWriter, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	json.NewEncoder(w).Encode(map[string]string{"error": code})
}

// harness holds the full e2e stack: a fake provider and a real docbridge
// HTTP server backed by a real key manager and store.
type harness struct {
	URL       string
	Provider  *fakeProvider
	Manager   *keys.Manager
	StorePath string
	Client    *http.Client

	backend string
	adapter provider.Adapter
	logger  *slog.Logger
	ts      *httptest.Server
}

// newHarness wires the HTTP stack via server.NewMux and starts it on an
// httptest server.
func newHarness(t *testing.T) *harness {
	return newHarnessWithBackend(t, store.BackendJSON)
}

func newHarnessWithBackend(t *testing.T, backend string) *harness {
	t.Helper()

	fp := newFakeProvider(t)
	logger := slog.New(slog.DiscardHandler)

	// Use NewUnstartedServer so we can read the listener address before
	// building the provider (the redirect URL must point back here).
	ts := httptest.NewUnstartedServer(nil)
	serverURL := "http://" + ts.Listener.Addr().String()

	adapter := provider.NewOAuth2(provider.Config{
		ClientID:      testClientID,
		ClientSecret:  testClientSecret,
		AuthURL:       fp.URL + "/authorize",
		TokenURL:      fp.URL + "/token",
		UserInfoURL:   fp.URL + "/userinfo",
		RedirectURL:   serverURL + "/auth/callback",
		Scopes:        []string{"openid", "email", "profile"},
		RefreshTries:  2,
		RetryInterval: 10 * time.Millisecond,
	}, logger)

	h := &harness{
		URL:       serverURL,
		Provider:  fp,
		StorePath: filepath.Join(t.TempDir(), "keys."+backend),
		backend:   backend,
		adapter:   adapter,
		logger:    logger,
		ts:        ts,
	}
	h.Manager = h.openManager(t)

	states := server.NewStateStore()
	t.Cleanup(states.Stop)

	// The manager can be swapped by restart, so the mux resolves through
	// the harness.
	ts.Config.Handler = server.NewMux(server.MuxConfig{
		Keys:       h,
		Provider:   adapter,
		States:     states,
		MCPHandler: mcpserver.NewHandler(h, logger, "test"),
		Logger:     logger,
	})
	ts.Start()
	t.Cleanup(ts.Close)

	h.Client = ts.Client()

	return h
}

func (h *harness) openManager(t *testing.T) *keys.Manager {
	t.Helper()

	st, err := store.Open(h.backend, h.StorePath)
	require.NoError(t, err)

	m, err := keys.NewManager(st, h.adapter, keys.Config{}, h.logger)
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })

	return m
}

// restart closes the manager and loads a fresh one from the same store,
// as a process restart would.
func (h *harness) restart(t *testing.T) {
	t.Helper()
	require.NoError(t, h.Manager.Close())
	h.Manager = h.openManager(t)
}

// login runs the consent flow end to end, following the redirects through
// the fake provider, and returns the issued key.
func (h *harness) login(t *testing.T, subject string) string {
	t.Helper()
	h.Provider.setSubject(subject)

	resp := h.doGet(t, "/auth/login", "")
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		APIKey string `json:"api_key"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.True(t, keys.LooksLikeKey(body.APIKey))

	return body.APIKey
}

// mcpSession creates an MCP client session authenticated with the given
// API key. Uses the MCP SDK's StreamableClientTransport with a custom
// HTTP RoundTripper that injects the Authorization header.
func (h *harness) mcpSession(t *testing.T, key string) *mcp.ClientSession {
	t.Helper()

	transport := &mcp.StreamableClientTransport{
		Endpoint: h.URL + "/mcp",
		HTTPClient: &http.Client{
			Transport: &bearerTransport{
				token: key,
				base:  h.Client.Transport,
			},
		},
		DisableStandaloneSSE: true,
	}

	client := mcp.NewClient(
		&mcp.Implementation{Name: "e2e-test-client", Version: "test"},
		nil,
	)

	session, err := client.Connect(t.Context(), transport, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = session.Close() })

	return session
}

// doGet performs a GET with an optional Bearer key and t.Context().
func (h *harness) doGet(t *testing.T, path, key string) *http.Response {
	t.Helper()
	return h.do(t, http.MethodGet, path, key)
}

func (h *harness) do(t *testing.T, method, path, key string) *http.Response {
	t.Helper()

	req, err := http.NewRequestWithContext(t.Context(), method, h.URL+path, nil)
	require.NoError(t, err)

	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}

	resp, err := h.Client.Do(req)
	require.NoError(t, err)

	return resp
}

// bearerTransport is an http.RoundTripper that injects a Bearer token
// into every request's Authorization header.
type bearerTransport struct {
	token string
	base  http.RoundTripper
}

func (bt *bearerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("Authorization", "Bearer "+bt.token)

	return bt.base.RoundTrip(req)
}

// The harness delegates to the current manager so restart is visible to
// the running server.

func (h *harness) Issue(ident models.Identity, tokens models.ProviderTokens) (string, error) {
	return h.Manager.Issue(ident, tokens)
}

func (h *harness) Resolve(ctx context.Context, key string) (*keys.Credential, error) {
	return h.Manager.Resolve(ctx, key)
}

func (h *harness) Revoke(key, subjectID string) (bool, error) {
	return h.Manager.Revoke(key, subjectID)
}

func (h *harness) ListForSubject(subjectID string) []models.KeySummary {
	return h.Manager.ListForSubject(subjectID)
}
