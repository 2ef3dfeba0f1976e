// Package mcpserver registers MCP tools for key self-service. Every tool
// acts for the subject whose key authenticated the request.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alexjbarnes/docbridge/internal/keys"
	"github.com/alexjbarnes/docbridge/internal/logging"
	"github.com/alexjbarnes/docbridge/internal/models"
	"github.com/alexjbarnes/docbridge/internal/server"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// KeyService is the part of the key manager the tools use.
type KeyService interface {
	ListForSubject(subjectID string) []models.KeySummary
	Revoke(key, subjectID string) (bool, error)
}

// Caller is the authenticated identity a set of tools acts for.
type Caller struct {
	Key        string
	Credential *keys.Credential
}

// NewHandler returns the /mcp handler. It must sit behind
// server.KeyMiddleware: each request gets its own stateless MCP server bound
// to the credential the middleware resolved.
func NewHandler(svc KeyService, logger *slog.Logger, version string) http.Handler {
	return mcp.NewStreamableHTTPHandler(func(r *http.Request) *mcp.Server {
		ctx := r.Context()

		s := mcp.NewServer(
			&mcp.Implementation{Name: "docbridge", Version: version},
			nil,
		)
		RegisterTools(s, svc, Caller{
			Key:        server.RequestAPIKey(ctx),
			Credential: server.RequestCredential(ctx),
		}, logger)

		return s
	}, &mcp.StreamableHTTPOptions{Stateless: true})
}

// RegisterTools adds the key tools to the given MCP server.
func RegisterTools(s *mcp.Server, svc KeyService, caller Caller, logger *slog.Logger) {
	mcp.AddTool(s, &mcp.Tool{
		Name:        "whoami",
		Description: "Show the identity behind the API key used for this session, the provider scopes it was granted and when its provider token next expires.",
	}, whoamiHandler(caller))

	mcp.AddTool(s, &mcp.Tool{
		Name:        "list_keys",
		Description: "List every API key issued to you, including revoked ones, with creation and last-use times. Keys are shown in issue order.",
	}, listKeysHandler(svc, caller))

	mcp.AddTool(s, &mcp.Tool{
		Name:        "revoke_key",
		Description: "Revoke one of your API keys. Revoking the key used for this session ends access for this session too.",
	}, revokeKeyHandler(svc, caller, logger))
}

// --- Input types ---

// WhoamiInput has no parameters.
type WhoamiInput struct{}

// ListKeysInput has no parameters.
type ListKeysInput struct{}

// RevokeKeyInput holds parameters for revoke_key.
type RevokeKeyInput struct {
	Key string `json:"key" jsonschema:"the full API key to revoke"`
}

// --- Output types ---

// WhoamiResult is the output of whoami.
type WhoamiResult struct {
	SubjectID         string     `json:"subject_id"`
	Email             string     `json:"email,omitempty"`
	DisplayName       string     `json:"display_name,omitempty"`
	KeyPrefix         string     `json:"key_prefix"`
	Scopes            []string   `json:"scopes"`
	AccessTokenExpiry *time.Time `json:"access_token_expiry,omitempty"`
}

// KeyEntry is one row of list_keys.
type KeyEntry struct {
	Key               string     `json:"key"`
	Current           bool       `json:"current"`
	Active            bool       `json:"active"`
	CreatedAt         time.Time  `json:"created_at"`
	LastUsedAt        time.Time  `json:"last_used_at"`
	AccessTokenExpiry *time.Time `json:"access_token_expiry,omitempty"`
}

// ListKeysResult is the output of list_keys.
type ListKeysResult struct {
	TotalKeys int        `json:"total_keys"`
	Keys      []KeyEntry `json:"keys"`
}

// RevokeKeyResult is the output of revoke_key.
type RevokeKeyResult struct {
	Revoked bool `json:"revoked"`
}

// --- Handlers ---

func whoamiHandler(caller Caller) mcp.ToolHandlerFor[WhoamiInput, *WhoamiResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, _ WhoamiInput) (*mcp.CallToolResult, *WhoamiResult, error) {
		if caller.Credential == nil {
			return nil, nil, fmt.Errorf("not authenticated")
		}

		rec := caller.Credential.Record
		result := &WhoamiResult{
			SubjectID:         rec.SubjectID,
			Email:             rec.Email,
			DisplayName:       rec.DisplayName,
			KeyPrefix:         logging.KeyPrefix(caller.Key),
			Scopes:            rec.GrantedScopes,
			AccessTokenExpiry: rec.AccessTokenExpiry,
		}

		return textResult(result), result, nil
	}
}

func listKeysHandler(svc KeyService, caller Caller) mcp.ToolHandlerFor[ListKeysInput, *ListKeysResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, _ ListKeysInput) (*mcp.CallToolResult, *ListKeysResult, error) {
		if caller.Credential == nil {
			return nil, nil, fmt.Errorf("not authenticated")
		}

		summaries := svc.ListForSubject(caller.Credential.Record.SubjectID)

		result := &ListKeysResult{
			TotalKeys: len(summaries),
			Keys:      make([]KeyEntry, 0, len(summaries)),
		}

		for _, s := range summaries {
			result.Keys = append(result.Keys, KeyEntry{
				Key:               s.Key,
				Current:           s.Key == caller.Key,
				Active:            s.Active,
				CreatedAt:         s.CreatedAt,
				LastUsedAt:        s.LastUsedAt,
				AccessTokenExpiry: s.AccessTokenExpiry,
			})
		}

		return textResult(result), result, nil
	}
}

func revokeKeyHandler(svc KeyService, caller Caller, logger *slog.Logger) mcp.ToolHandlerFor[RevokeKeyInput, *RevokeKeyResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, input RevokeKeyInput) (*mcp.CallToolResult, *RevokeKeyResult, error) {
		if caller.Credential == nil {
			return nil, nil, fmt.Errorf("not authenticated")
		}

		if input.Key == "" {
			return nil, nil, fmt.Errorf("key is required")
		}

		subject := caller.Credential.Record.SubjectID

		ok, err := svc.Revoke(input.Key, subject)
		if err != nil {
			return nil, nil, fmt.Errorf("revoking key: %w", err)
		}

		if !ok {
			return nil, nil, fmt.Errorf("key not found")
		}

		logger.Info("key revoked via mcp",
			slog.String("key", logging.KeyPrefix(input.Key)),
			slog.String("subject", subject),
		)

		result := &RevokeKeyResult{Revoked: true}

		return textResult(result), result, nil
	}
}

// textResult builds a CallToolResult with JSON text content from any value.
// This provides the unstructured content alongside the structured output
// that the SDK populates automatically.
func textResult(v any) *mcp.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf("error marshaling result: %v", err)}},
			IsError: true,
		}
	}

	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
	}
}
