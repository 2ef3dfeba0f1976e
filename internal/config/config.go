package config

import (
	"fmt"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/alexjbarnes/docbridge/internal/store"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// CallbackPath is where the provider redirects after consent.
const CallbackPath = "/auth/callback"

// Config holds all environment-based configuration for docbridge.
type Config struct {
	// Environment controls log format
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL"`

	// HTTP server
	ListenAddr string `env:"LISTEN_ADDR" envDefault:":8080"`
	ServerURL  string `env:"SERVER_URL"`

	// Credential store. StorePath defaults to ~/.docbridge/keys.json, or
	// keys.db for the bolt backend.
	StoreBackend string `env:"STORE_BACKEND" envDefault:"json"`
	StorePath    string `env:"STORE_PATH"`

	// OAuth2 provider. Endpoints default to Google.
	OAuthClientID     string `env:"OAUTH_CLIENT_ID"`
	OAuthClientSecret string `env:"OAUTH_CLIENT_SECRET"`
	OAuthAuthURL      string `env:"OAUTH_AUTH_URL" envDefault:"https://accounts.google.com/o/oauth2/auth"`
	OAuthTokenURL     string `env:"OAUTH_TOKEN_URL" envDefault:"https://oauth2.googleapis.com/token"`
	OAuthUserInfoURL  string `env:"OAUTH_USERINFO_URL" envDefault:"https://openidconnect.googleapis.com/v1/userinfo"`
	OAuthScopes       string `env:"OAUTH_SCOPES" envDefault:"openid,email,profile"`

	// Key lifecycle timing
	RefreshLookahead time.Duration `env:"REFRESH_LOOKAHEAD" envDefault:"5m"`
	KeyRetention     time.Duration `env:"KEY_RETENTION" envDefault:"720h"`
	CleanupInterval  time.Duration `env:"CLEANUP_INTERVAL" envDefault:"24h"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing the client secret to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg.StoreBackend = strings.ToLower(strings.TrimSpace(cfg.StoreBackend))
	cfg.ServerURL = strings.TrimRight(cfg.ServerURL, "/")

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	if cfg.StorePath == "" {
		path, err := DefaultStorePath(cfg.StoreBackend)
		if err != nil {
			return nil, err
		}

		cfg.StorePath = path
	}

	absPath, err := filepath.Abs(cfg.StorePath)
	if err != nil {
		return nil, fmt.Errorf("resolving store path to absolute path: %w", err)
	}

	cfg.StorePath = absPath

	return cfg, nil
}

func (c *Config) validate() error {
	if c.ServerURL == "" {
		return fmt.Errorf("SERVER_URL is required")
	}

	u, err := url.Parse(c.ServerURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("SERVER_URL must be an absolute URL, got %q", c.ServerURL)
	}

	if c.OAuthClientID == "" {
		return fmt.Errorf("OAUTH_CLIENT_ID is required")
	}

	if c.OAuthClientSecret == "" {
		return fmt.Errorf("OAUTH_CLIENT_SECRET is required")
	}

	for name, v := range map[string]string{
		"OAUTH_AUTH_URL":     c.OAuthAuthURL,
		"OAUTH_TOKEN_URL":    c.OAuthTokenURL,
		"OAUTH_USERINFO_URL": c.OAuthUserInfoURL,
	} {
		if v == "" {
			return fmt.Errorf("%s must not be empty", name)
		}
	}

	switch c.StoreBackend {
	case store.BackendJSON, store.BackendBolt:
	default:
		return fmt.Errorf("STORE_BACKEND must be %q or %q, got %q", store.BackendJSON, store.BackendBolt, c.StoreBackend)
	}

	if len(c.Scopes()) == 0 {
		return fmt.Errorf("OAUTH_SCOPES must name at least one scope")
	}

	if c.RefreshLookahead <= 0 {
		return fmt.Errorf("REFRESH_LOOKAHEAD must be positive")
	}

	if c.KeyRetention <= 0 {
		return fmt.Errorf("KEY_RETENTION must be positive")
	}

	if c.CleanupInterval <= 0 {
		return fmt.Errorf("CLEANUP_INTERVAL must be positive")
	}

	return nil
}

// DefaultStorePath returns ~/.docbridge/keys.json, or keys.db for the bolt
// backend.
func DefaultStorePath(backend string) (string, error) {
	name := "keys.json"
	if backend == store.BackendBolt {
		name = "keys.db"
	}

	return store.DefaultPath(name)
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// RedirectURL is the OAuth2 redirect URI registered with the provider.
func (c *Config) RedirectURL() string {
	return c.ServerURL + CallbackPath
}

// Scopes parses OAUTH_SCOPES. Format: "openid,email,profile"
func (c *Config) Scopes() []string {
	var scopes []string

	seen := make(map[string]struct{})

	for _, s := range strings.Split(c.OAuthScopes, ",") {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}

		if _, dup := seen[s]; dup {
			continue
		}

		seen[s] = struct{}{}
		scopes = append(scopes, s)
	}

	return scopes
}
