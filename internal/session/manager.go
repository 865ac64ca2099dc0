package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pagelens/pagelens/internal/common"
	"github.com/pagelens/pagelens/internal/store/redisstore"
)

// Manager owns the cache tier of session state. It is deliberately
// fast-path-only: a miss here never falls through to the durable store;
// that orchestration belongs to the caller. Expiry is enforced by the
// cache's native TTL, so there is no expired-but-present state to handle.
type Manager struct {
	cache   *redisstore.Store
	authTTL time.Duration
	anonTTL time.Duration
}

func NewManager(cache *redisstore.Store, authTTL, anonTTL time.Duration) *Manager {
	if authTTL <= 0 {
		authTTL = 7 * 24 * time.Hour
	}
	if anonTTL <= 0 {
		anonTTL = 24 * time.Hour
	}
	return &Manager{cache: cache, authTTL: authTTL, anonTTL: anonTTL}
}

func (m *Manager) key(kind Kind, id string) string {
	return m.cache.Key(string(kind), id)
}

func (m *Manager) defaultTTL(kind Kind) time.Duration {
	if kind == KindAnon {
		return m.anonTTL
	}
	return m.authTTL
}

// Create validates the record and writes it to the cache. Durable
// persistence of new sessions belongs to the auth event that created them,
// not to this layer. A zero expiresAt means the configured default
// lifetime; an expiresAt already in the past is rejected outright.
func (m *Manager) Create(ctx context.Context, rec Record, expiresAt time.Time) error {
	if rec.ID == "" {
		return fmt.Errorf("%w: session id required", common.ErrInvalidInput)
	}
	if !rec.Kind.Valid() {
		return fmt.Errorf("%w: unknown session kind %q", common.ErrInvalidInput, rec.Kind)
	}
	if rec.Kind == KindAuth && rec.UserID == 0 {
		return fmt.Errorf("%w: auth session requires user_id", common.ErrInvalidInput)
	}

	ttl := m.defaultTTL(rec.Kind)
	if !expiresAt.IsZero() {
		ttl = time.Until(expiresAt)
		if ttl <= 0 {
			return fmt.Errorf("%w: expires_at is in the past", common.ErrInvalidInput)
		}
	}

	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return m.cache.Set(ctx, m.key(rec.Kind, rec.ID), string(b), ttl)
}

// Get reads the cached record and its remaining TTL. A miss returns nil
// with no error and no side effects.
func (m *Manager) Get(ctx context.Context, id string, kind Kind) (*Record, time.Duration, error) {
	entry, err := m.cache.Get(ctx, m.key(kind, id))
	if err != nil {
		return nil, 0, err
	}
	if entry == nil {
		return nil, 0, nil
	}

	var rec Record
	if err := json.Unmarshal([]byte(entry.Value), &rec); err != nil {
		return nil, 0, fmt.Errorf("session: corrupt cache entry for %s:%s: %w", kind, id, err)
	}
	return &rec, entry.TTL, nil
}

// Refresh extends the session's TTL to the configured default, only if it
// is still present. Refreshing an absent session is a no-op, not an error.
func (m *Manager) Refresh(ctx context.Context, id string, kind Kind) error {
	_, err := m.cache.Touch(ctx, m.key(kind, id), m.defaultTTL(kind))
	return err
}

// Delete removes the cached session. Idempotent.
func (m *Manager) Delete(ctx context.Context, id string, kind Kind) error {
	return m.cache.Delete(ctx, m.key(kind, id))
}

// Update merges partial fields into the cached record without touching its
// TTL, so counter bumps never stretch session lifetime. Returns nil when
// the key is absent; callers decide whether a durable fallback applies.
func (m *Manager) Update(ctx context.Context, id string, kind Kind, fields map[string]any) (*Record, error) {
	merged, err := m.cache.PartialUpdate(ctx, m.key(kind, id), fields)
	if err != nil {
		return nil, err
	}
	if merged == nil {
		return nil, nil
	}

	b, err := json.Marshal(merged)
	if err != nil {
		return nil, err
	}
	var rec Record
	if err := json.Unmarshal(b, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}
