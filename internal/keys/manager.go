// Package keys owns the lifecycle of issued API keys: issuing them against
// a provider credential set, resolving them to a usable credential,
// renewing the credential before it expires, revoking and sweeping them.
package keys

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	apperrors "github.com/alexjbarnes/docbridge/internal/errors"
	"github.com/alexjbarnes/docbridge/internal/logging"
	"github.com/alexjbarnes/docbridge/internal/models"
	"github.com/alexjbarnes/docbridge/internal/provider"
	"github.com/alexjbarnes/docbridge/internal/store"
)

const (
	// DefaultLookahead is how far ahead of expiry a credential is renewed,
	// both by the scheduler and inside Resolve.
	DefaultLookahead = 5 * time.Minute

	// DefaultRetention is how long a revoked record is kept after its last
	// use before cleanup deletes it.
	DefaultRetention = 30 * 24 * time.Hour

	// DefaultCleanupInterval is the cadence of the cleanup sweep.
	DefaultCleanupInterval = 24 * time.Hour
)

// Config tunes the manager's timing. Zero values take the defaults.
type Config struct {
	Lookahead       time.Duration
	Retention       time.Duration
	CleanupInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.Lookahead <= 0 {
		c.Lookahead = DefaultLookahead
	}

	if c.Retention <= 0 {
		c.Retention = DefaultRetention
	}

	if c.CleanupInterval <= 0 {
		c.CleanupInterval = DefaultCleanupInterval
	}

	return c
}

// Credential is a resolved key: a snapshot of its record plus a client
// that authenticates downstream calls with the record's access token.
type Credential struct {
	Record models.CredentialRecord
	Client *http.Client
}

// Manager is the only writer of the credential store. Every mutation is
// persisted before it becomes visible in memory, so a failed write leaves
// both copies unchanged. Scheduler entries change under mu together with
// the record they belong to.
type Manager struct {
	store    store.Store
	provider provider.Adapter
	logger   *slog.Logger
	cfg      Config
	now      func() time.Time

	mu      sync.Mutex
	records map[string]models.CredentialRecord
	order   []string

	scheduler *Scheduler
	flight    singleflight.Group
}

// NewManager loads every record from st and arms a proactive refresh for
// each active record that has an expiry. Timers fire once Run is called.
func NewManager(st store.Store, p provider.Adapter, cfg Config, logger *slog.Logger) (*Manager, error) {
	m := &Manager{
		store:    st,
		provider: p,
		logger:   logger,
		cfg:      cfg.withDefaults(),
		now:      time.Now,
		records:  make(map[string]models.CredentialRecord),
	}
	m.scheduler = NewScheduler(m.cfg.Lookahead, m.scheduledRefresh, logger)

	loaded, err := st.Load()
	if err != nil {
		return nil, fmt.Errorf("loading credentials: %w", err)
	}

	scheduled := 0

	for _, rec := range loaded {
		if _, dup := m.records[rec.Key]; dup {
			return nil, fmt.Errorf("loading credentials: duplicate key %s", logging.KeyPrefix(rec.Key))
		}

		m.records[rec.Key] = rec
		m.order = append(m.order, rec.Key)

		if rec.Active && rec.AccessTokenExpiry != nil {
			m.scheduler.Schedule(rec.Key, *rec.AccessTokenExpiry)
			scheduled++
		}
	}

	logger.Info("credentials loaded",
		slog.Int("records", len(m.order)),
		slog.Int("scheduled", scheduled),
	)

	return m, nil
}

// Run drives proactive refreshes and the cleanup sweep until ctx is done.
func (m *Manager) Run(ctx context.Context) error {
	done := make(chan struct{})

	go func() {
		defer close(done)
		m.scheduler.Run(ctx)
	}()

	ticker := time.NewTicker(m.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			n, err := m.Cleanup()
			if err != nil {
				m.logger.Error("cleanup failed", slog.String("error", err.Error()))
				continue
			}

			m.logger.Info("cleanup complete", slog.Int("removed", n))
		case <-ctx.Done():
			<-done
			return nil
		}
	}
}

// Close releases the store.
func (m *Manager) Close() error {
	return m.store.Close()
}

// Issue stores a new active record for a completed consent flow and returns
// its key. The store is written before Issue returns.
func (m *Manager) Issue(ident models.Identity, tokens models.ProviderTokens) (string, error) {
	now := m.now().UTC()

	rec := models.CredentialRecord{
		SubjectID:     ident.SubjectID,
		Email:         ident.Email,
		DisplayName:   ident.DisplayName,
		AvatarURL:     ident.AvatarURL,
		AccessToken:   tokens.AccessToken,
		RefreshToken:  tokens.RefreshToken,
		GrantedScopes: append([]string(nil), tokens.Scopes...),
		CreatedAt:     now,
		LastUsedAt:    now,
		Active:        true,
	}

	if tokens.Expiry != nil {
		exp := tokens.Expiry.UTC()
		rec.AccessTokenExpiry = &exp
	}

	m.mu.Lock()

	rec.Key = NewKey()
	for {
		if _, taken := m.records[rec.Key]; !taken {
			break
		}

		rec.Key = NewKey()
	}

	if err := m.applyLocked([]models.CredentialRecord{rec}, nil); err != nil {
		m.mu.Unlock()
		return "", fmt.Errorf("issuing key: %w", err)
	}

	if rec.AccessTokenExpiry != nil {
		m.scheduler.Schedule(rec.Key, *rec.AccessTokenExpiry)
	}

	m.mu.Unlock()

	m.logger.Info("key issued",
		slog.String("key", logging.KeyPrefix(rec.Key)),
		slog.String("subject", rec.SubjectID),
	)

	return rec.Key, nil
}

// Resolve returns the credential for key. Unknown and revoked keys both
// return ErrNotFound. A credential inside the lookahead window is renewed
// first; if that fails the key is deactivated and ErrNotFound returned.
// LastUsedAt is updated on success.
func (m *Manager) Resolve(ctx context.Context, key string) (*Credential, error) {
	m.mu.Lock()

	rec, ok := m.records[key]
	if !ok || !rec.Active {
		m.mu.Unlock()
		return nil, apperrors.ErrNotFound
	}

	stale := m.needsRefresh(rec, m.now())
	m.mu.Unlock()

	if stale {
		if _, err := m.Refresh(ctx, key); err != nil {
			m.logger.Warn("reactive refresh failed",
				slog.String("key", logging.KeyPrefix(key)),
				slog.String("error", err.Error()),
			)

			return nil, apperrors.ErrNotFound
		}
	}

	m.mu.Lock()

	rec, ok = m.records[key]
	if !ok || !rec.Active {
		m.mu.Unlock()
		return nil, apperrors.ErrNotFound
	}

	touched := rec.Clone()
	touched.LastUsedAt = m.now().UTC()

	if err := m.applyLocked([]models.CredentialRecord{touched}, nil); err != nil {
		// The credential is still good; only the usage timestamp is lost.
		m.logger.Warn("recording key use failed",
			slog.String("key", logging.KeyPrefix(key)),
			slog.String("error", err.Error()),
		)

		touched = rec.Clone()
	}

	m.mu.Unlock()

	return &Credential{
		Record: touched,
		Client: m.provider.BuildAuthorizedClient(ctx, touched.AccessToken, touched.RefreshToken),
	}, nil
}

// Refresh exchanges the stored refresh token for a new access token and
// writes token and expiry together. Concurrent calls for the same key share
// one provider call. Any failure other than ErrNotFound deactivates the key.
func (m *Manager) Refresh(ctx context.Context, key string) (models.CredentialRecord, error) {
	v, err, _ := m.flight.Do(key, func() (any, error) {
		return m.refresh(ctx, key)
	})
	if err != nil {
		return models.CredentialRecord{}, err
	}

	return v.(models.CredentialRecord).Clone(), nil
}

func (m *Manager) refresh(ctx context.Context, key string) (models.CredentialRecord, error) {
	m.mu.Lock()

	rec, ok := m.records[key]
	if !ok || !rec.Active {
		m.mu.Unlock()
		return models.CredentialRecord{}, apperrors.ErrNotFound
	}

	refreshToken := rec.RefreshToken
	m.mu.Unlock()

	if refreshToken == "" {
		m.deactivate(key, apperrors.ErrNoRefreshToken)
		return models.CredentialRecord{}, fmt.Errorf("refreshing %s: %w", logging.KeyPrefix(key), apperrors.ErrNoRefreshToken)
	}

	// A caller giving up must not turn into a provider failure, which
	// would deactivate the key.
	tok, err := m.provider.RefreshAccessToken(context.WithoutCancel(ctx), refreshToken)
	if err != nil {
		if !errors.Is(err, apperrors.ErrProviderRejected) {
			err = fmt.Errorf("%w: %v", apperrors.ErrProviderRejected, err)
		}

		m.deactivate(key, err)

		return models.CredentialRecord{}, fmt.Errorf("refreshing %s: %w", logging.KeyPrefix(key), err)
	}

	m.mu.Lock()

	// Revoked or swept while the provider call was in flight.
	cur, ok := m.records[key]
	if !ok || !cur.Active {
		m.mu.Unlock()
		return models.CredentialRecord{}, apperrors.ErrNotFound
	}

	next := cur.Clone()
	next.AccessToken = tok.AccessToken
	next.AccessTokenExpiry = nil

	if tok.Expiry != nil {
		exp := tok.Expiry.UTC()
		next.AccessTokenExpiry = &exp
	}

	if err := m.applyLocked([]models.CredentialRecord{next}, nil); err != nil {
		m.mu.Unlock()
		m.deactivate(key, err)

		return models.CredentialRecord{}, fmt.Errorf("refreshing %s: %w", logging.KeyPrefix(key), err)
	}

	if next.AccessTokenExpiry != nil {
		m.scheduler.Schedule(key, *next.AccessTokenExpiry)
	} else {
		m.scheduler.Cancel(key)
	}

	m.mu.Unlock()

	m.logger.Debug("credential refreshed", slog.String("key", logging.KeyPrefix(key)))

	return next, nil
}

// Revoke deactivates key if subjectID owns it. It returns false without an
// error when the key is unknown, already revoked or owned by someone else.
func (m *Manager) Revoke(key, subjectID string) (bool, error) {
	m.mu.Lock()

	rec, ok := m.records[key]
	if !ok || !rec.Active || rec.SubjectID != subjectID {
		m.mu.Unlock()
		return false, nil
	}

	next := rec.Clone()
	next.Active = false

	if err := m.applyLocked([]models.CredentialRecord{next}, nil); err != nil {
		m.mu.Unlock()
		return false, fmt.Errorf("revoking key: %w", err)
	}

	m.scheduler.Cancel(key)
	m.mu.Unlock()

	m.logger.Info("key revoked",
		slog.String("key", logging.KeyPrefix(key)),
		slog.String("subject", subjectID),
	)

	return true, nil
}

// ListForSubject returns the non-secret metadata of every record owned by
// subjectID, in issue order. Revoked records are included.
func (m *Manager) ListForSubject(subjectID string) []models.KeySummary {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []models.KeySummary

	for _, k := range m.order {
		rec := m.records[k]
		if rec.SubjectID == subjectID {
			out = append(out, rec.Clone().Summary())
		}
	}

	return out
}

// Cleanup deletes revoked records not used within the retention window and
// writes the store once. A second call right after removes nothing.
func (m *Manager) Cleanup() (int, error) {
	cutoff := m.now().Add(-m.cfg.Retention)

	m.mu.Lock()

	dropped := make(map[string]struct{})

	for _, k := range m.order {
		rec := m.records[k]
		if !rec.Active && rec.LastUsedAt.Before(cutoff) {
			dropped[k] = struct{}{}
		}
	}

	if len(dropped) == 0 {
		m.mu.Unlock()
		return 0, nil
	}

	if err := m.applyLocked(nil, dropped); err != nil {
		m.mu.Unlock()
		return 0, fmt.Errorf("cleaning up keys: %w", err)
	}

	for k := range dropped {
		m.scheduler.Cancel(k)
	}

	m.mu.Unlock()

	return len(dropped), nil
}

// scheduledRefresh is the scheduler callback. Nobody waits on it, so
// failures end here. A key revoked or swept after it was queued is skipped.
func (m *Manager) scheduledRefresh(key string) {
	if _, err := m.Refresh(context.Background(), key); err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			m.logger.Debug("scheduled refresh skipped", slog.String("key", logging.KeyPrefix(key)))
			return
		}

		m.logger.Warn("proactive refresh failed",
			slog.String("key", logging.KeyPrefix(key)),
			slog.String("error", err.Error()),
		)
	}
}

func (m *Manager) needsRefresh(rec models.CredentialRecord, now time.Time) bool {
	if rec.AccessTokenExpiry == nil {
		return false
	}

	return !rec.AccessTokenExpiry.After(now.Add(m.cfg.Lookahead))
}

// deactivate marks key inactive after a failed refresh. If the store write
// fails the key is still deactivated in memory: a key that cannot be
// renewed must stop resolving even if the file says otherwise.
func (m *Manager) deactivate(key string, cause error) {
	m.mu.Lock()

	rec, ok := m.records[key]
	if ok && rec.Active {
		next := rec.Clone()
		next.Active = false

		if err := m.applyLocked([]models.CredentialRecord{next}, nil); err != nil {
			m.logger.Error("persisting deactivation failed",
				slog.String("key", logging.KeyPrefix(key)),
				slog.String("error", err.Error()),
			)

			m.records[key] = next
		}
	}

	m.scheduler.Cancel(key)
	m.mu.Unlock()

	if ok {
		m.logger.Warn("key deactivated",
			slog.String("key", logging.KeyPrefix(key)),
			slog.String("subject", rec.SubjectID),
			slog.String("reason", cause.Error()),
		)
	}
}

// applyLocked writes the record set with updated records replaced (or
// appended when new) and dropped keys removed, then applies the same change
// in memory. On a failed write memory is left untouched. Callers hold m.mu.
func (m *Manager) applyLocked(updated []models.CredentialRecord, dropped map[string]struct{}) error {
	pending := make(map[string]models.CredentialRecord, len(updated))
	for _, rec := range updated {
		pending[rec.Key] = rec
	}

	order := make([]string, 0, len(m.order)+len(updated))
	next := make([]models.CredentialRecord, 0, len(m.order)+len(updated))

	for _, k := range m.order {
		if _, drop := dropped[k]; drop {
			continue
		}

		rec, ok := pending[k]
		if ok {
			delete(pending, k)
		} else {
			rec = m.records[k]
		}

		order = append(order, k)
		next = append(next, rec)
	}

	for _, rec := range updated {
		if _, isNew := pending[rec.Key]; isNew {
			order = append(order, rec.Key)
			next = append(next, rec)
		}
	}

	if err := m.store.Save(next); err != nil {
		return fmt.Errorf("%w: %v", apperrors.ErrStorage, err)
	}

	for _, rec := range updated {
		m.records[rec.Key] = rec.Clone()
	}

	for k := range dropped {
		delete(m.records, k)
	}

	m.order = order

	return nil
}
