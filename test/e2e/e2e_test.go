package e2e_test

import (
	"encoding/json"
	"net/http"
	"os"
	"testing"

	"github.com/alexjbarnes/docbridge/internal/keys"
	"github.com/alexjbarnes/docbridge/internal/store"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

// --- consent flow ---

func TestLogin_IssuesWorkingKey(t *testing.T) {
	h := newHarness(t)
	key := h.login(t, "alice")

	resp := h.doGet(t, "/api/me", key)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)

	var me struct {
		SubjectID string   `json:"subject_id"`
		Email     string   `json:"email"`
		Scopes    []string `json:"scopes"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&me))
	assert.Equal(t, "sub-alice", me.SubjectID)
	assert.Equal(t, "alice@example.com", me.Email)
	assert.Equal(t, []string{"openid", "email", "profile"}, me.Scopes)
}

func TestLogin_PersistsRecord(t *testing.T) {
	h := newHarness(t)
	key := h.login(t, "alice")

	data, err := os.ReadFile(h.StorePath)
	require.NoError(t, err)

	rec := gjson.GetBytes(data, key)
	require.True(t, rec.Exists(), "record keyed by API key")
	assert.Equal(t, "sub-alice", rec.Get("subjectId").String())
	assert.True(t, rec.Get("active").Bool())
	assert.NotEmpty(t, rec.Get("refreshToken").String())
}

func TestLogin_EachLoginGetsNewKey(t *testing.T) {
	h := newHarness(t)
	k1 := h.login(t, "alice")
	k2 := h.login(t, "alice")

	assert.NotEqual(t, k1, k2)
	assert.Len(t, h.Manager.ListForSubject("sub-alice"), 2)
}

// --- authentication ---

func TestUnauthenticated_Returns401(t *testing.T) {
	h := newHarness(t)

	for _, path := range []string{"/api/me", "/api/keys", "/mcp"} {
		resp := h.doGet(t, path, "")
		resp.Body.Close()
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, path)
	}
}

func TestUnknownKey_Returns401(t *testing.T) {
	h := newHarness(t)

	resp := h.doGet(t, "/api/me", keys.NewKey())
	defer resp.Body.Close()

	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

// --- refresh ---

func TestNearExpiry_RefreshesOnUse(t *testing.T) {
	h := newHarness(t)
	h.Provider.setExpiresIn(60) // inside the lookahead window
	key := h.login(t, "alice")

	before := h.Manager.ListForSubject("sub-alice")[0].AccessTokenExpiry
	require.NotNil(t, before)

	h.Provider.setExpiresIn(3600)

	resp := h.doGet(t, "/api/me", key)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	assert.Equal(t, 1, h.Provider.refreshCount())

	after := h.Manager.ListForSubject("sub-alice")[0].AccessTokenExpiry
	require.NotNil(t, after)
	assert.True(t, after.After(*before))

	// The fresh token is outside the window: no second refresh.
	resp = h.doGet(t, "/api/me", key)
	resp.Body.Close()
	assert.Equal(t, 1, h.Provider.refreshCount())
}

func TestRefreshRejected_KeyStopsWorking(t *testing.T) {
	h := newHarness(t)
	h.Provider.setExpiresIn(60)
	key := h.login(t, "alice")

	h.Provider.setRejectRefresh(true)

	resp := h.doGet(t, "/api/me", key)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// invalid_grant is permanent: one provider call, no retries.
	assert.Equal(t, 1, h.Provider.refreshCount())

	data, err := os.ReadFile(h.StorePath)
	require.NoError(t, err)
	assert.False(t, gjson.GetBytes(data, key+".active").Bool())

	// Accepting refreshes again does not bring the key back.
	h.Provider.setRejectRefresh(false)

	resp = h.doGet(t, "/api/me", key)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, 1, h.Provider.refreshCount())
}

// --- key management ---

func TestRevoke_OwnKeyViaAPI(t *testing.T) {
	h := newHarness(t)
	k1 := h.login(t, "alice")
	k2 := h.login(t, "alice")

	resp := h.do(t, http.MethodDelete, "/api/keys/"+k2, k1)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = h.doGet(t, "/api/me", k2)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = h.doGet(t, "/api/keys", k1)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var list struct {
		Keys []struct {
			Key    string `json:"key"`
			Active bool   `json:"active"`
		} `json:"keys"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	require.Len(t, list.Keys, 2)
	assert.True(t, list.Keys[0].Active)
	assert.False(t, list.Keys[1].Active)
}

func TestRevoke_ForeignKeyIs404(t *testing.T) {
	h := newHarness(t)
	alice := h.login(t, "alice")
	bob := h.login(t, "bob")

	resp := h.do(t, http.MethodDelete, "/api/keys/"+bob, alice)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = h.doGet(t, "/api/me", bob)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

// --- restart ---

func TestRestart_KeysSurvive(t *testing.T) {
	for _, backend := range []string{store.BackendJSON, store.BackendBolt} {
		t.Run(backend, func(t *testing.T) {
			h := newHarnessWithBackend(t, backend)
			live := h.login(t, "alice")
			dead := h.login(t, "alice")

			ok, err := h.Manager.Revoke(dead, "sub-alice")
			require.NoError(t, err)
			require.True(t, ok)

			h.restart(t)

			resp := h.doGet(t, "/api/me", live)
			resp.Body.Close()
			assert.Equal(t, http.StatusOK, resp.StatusCode)

			resp = h.doGet(t, "/api/me", dead)
			resp.Body.Close()
			assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		})
	}
}

// --- MCP ---

func TestMCP_Whoami(t *testing.T) {
	h := newHarness(t)
	key := h.login(t, "alice")
	session := h.mcpSession(t, key)

	result, err := session.CallTool(t.Context(), &mcp.CallToolParams{Name: "whoami"})
	require.NoError(t, err)
	assert.False(t, result.IsError)

	text := extractTextContent(t, result)
	assert.Equal(t, "sub-alice", gjson.Get(text, "subject_id").String())
	assert.Equal(t, key[:8]+"...", gjson.Get(text, "key_prefix").String())
}

func TestMCP_ListAndRevoke(t *testing.T) {
	h := newHarness(t)
	k1 := h.login(t, "alice")
	k2 := h.login(t, "alice")
	session := h.mcpSession(t, k1)

	result, err := session.CallTool(t.Context(), &mcp.CallToolParams{Name: "list_keys"})
	require.NoError(t, err)
	require.False(t, result.IsError)

	text := extractTextContent(t, result)
	assert.Equal(t, int64(2), gjson.Get(text, "total_keys").Int())
	assert.True(t, gjson.Get(text, "keys.0.current").Bool())

	result, err = session.CallTool(t.Context(), &mcp.CallToolParams{
		Name:      "revoke_key",
		Arguments: map[string]any{"key": k2},
	})
	require.NoError(t, err)
	assert.False(t, result.IsError)

	resp := h.doGet(t, "/api/me", k2)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestMCP_RevokedKeyLosesAccess(t *testing.T) {
	h := newHarness(t)
	key := h.login(t, "alice")
	session := h.mcpSession(t, key)

	ok, err := h.Manager.Revoke(key, "sub-alice")
	require.NoError(t, err)
	require.True(t, ok)

	_, err = session.CallTool(t.Context(), &mcp.CallToolParams{Name: "whoami"})
	assert.Error(t, err)
}

func extractTextContent(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content)

	tc, ok := result.Content[0].(*mcp.TextContent)
	require.True(t, ok, "expected TextContent")

	return tc.Text
}
