package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/pagelens/pagelens/internal/common"
	"github.com/pagelens/pagelens/internal/store/redisstore"
)

func newTestManager(t *testing.T) (*Manager, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cache := redisstore.New(client, "test", time.Hour)
	return NewManager(cache, 7*24*time.Hour, 24*time.Hour), mr
}

func TestCreateGetAuth(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	rec := Record{ID: "01S1", Kind: KindAuth, UserID: 42, ResponseStyle: "concise"}
	if err := m.Create(ctx, rec, time.Time{}); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, ttl, err := m.Get(ctx, "01S1", KindAuth)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got == nil {
		t.Fatalf("expected hit")
	}
	if got.UserID != 42 {
		t.Fatalf("user_id lost: %d", got.UserID)
	}
	if got.Kind != KindAuth {
		t.Fatalf("kind lost: %q", got.Kind)
	}
	if ttl <= 0 || ttl > 7*24*time.Hour {
		t.Fatalf("unexpected ttl: %v", ttl)
	}
}

func TestCreateValidation(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	cases := []struct {
		name string
		rec  Record
		exp  time.Time
	}{
		{"missing id", Record{Kind: KindAuth, UserID: 1}, time.Time{}},
		{"unknown kind", Record{ID: "x", Kind: "guest"}, time.Time{}},
		{"auth without user", Record{ID: "x", Kind: KindAuth}, time.Time{}},
		{"expired expires_at", Record{ID: "x", Kind: KindAnon}, time.Now().Add(-time.Minute)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := m.Create(ctx, tc.rec, tc.exp)
			if !errors.Is(err, common.ErrInvalidInput) {
				t.Fatalf("expected ErrInvalidInput, got %v", err)
			}
		})
	}
}

func TestCreateExplicitExpiry(t *testing.T) {
	m, mr := newTestManager(t)
	ctx := context.Background()

	exp := time.Now().Add(30 * time.Minute)
	if err := m.Create(ctx, Record{ID: "fp1", Kind: KindAnon}, exp); err != nil {
		t.Fatalf("create: %v", err)
	}
	if ttl := mr.TTL("test:anon:fp1"); ttl <= 0 || ttl > 30*time.Minute {
		t.Fatalf("ttl should follow explicit expires_at, got %v", ttl)
	}
}

func TestGetMissIsNotAnError(t *testing.T) {
	m, _ := newTestManager(t)

	rec, ttl, err := m.Get(context.Background(), "no-such", KindAuth)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec != nil || ttl != 0 {
		t.Fatalf("expected miss, got rec=%v ttl=%v", rec, ttl)
	}
}

func TestWrongKindMisses(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	if err := m.Create(ctx, Record{ID: "fp2", Kind: KindAnon}, time.Time{}); err != nil {
		t.Fatalf("create: %v", err)
	}
	rec, _, err := m.Get(ctx, "fp2", KindAuth)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec != nil {
		t.Fatalf("anon session must not resolve as auth")
	}
}

func TestRefresh(t *testing.T) {
	m, mr := newTestManager(t)
	ctx := context.Background()

	if err := m.Create(ctx, Record{ID: "fp3", Kind: KindAnon}, time.Now().Add(time.Minute)); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := m.Refresh(ctx, "fp3", KindAnon); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if ttl := mr.TTL("test:anon:fp3"); ttl != 24*time.Hour {
		t.Fatalf("ttl not reset to default: %v", ttl)
	}

	// nonexistent id: resolves without error, no key created
	if err := m.Refresh(ctx, "ghost", KindAnon); err != nil {
		t.Fatalf("refresh absent: %v", err)
	}
	if mr.Exists("test:anon:ghost") {
		t.Fatalf("refresh must not create keys")
	}
}

func TestDeleteIdempotent(t *testing.T) {
	m, mr := newTestManager(t)
	ctx := context.Background()

	if err := m.Create(ctx, Record{ID: "01S2", Kind: KindAuth, UserID: 1}, time.Time{}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := m.Delete(ctx, "01S2", KindAuth); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if mr.Exists("test:auth:01S2") {
		t.Fatalf("key should be gone")
	}
	if err := m.Delete(ctx, "01S2", KindAuth); err != nil {
		t.Fatalf("second delete: %v", err)
	}
}

func TestUpdatePreservesTTL(t *testing.T) {
	m, mr := newTestManager(t)
	ctx := context.Background()

	if err := m.Create(ctx, Record{ID: "fp4", Kind: KindAnon, AnonQueryCount: 1}, time.Now().Add(10*time.Minute)); err != nil {
		t.Fatalf("create: %v", err)
	}

	rec, err := m.Update(ctx, "fp4", KindAnon, map[string]any{"anon_query_count": 2})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if rec == nil || rec.AnonQueryCount != 2 {
		t.Fatalf("unexpected merged record: %+v", rec)
	}
	if ttl := mr.TTL("test:anon:fp4"); ttl <= 0 || ttl > 10*time.Minute {
		t.Fatalf("update must not reset ttl: %v", ttl)
	}
}

func TestUpdateAbsentIsNoop(t *testing.T) {
	m, mr := newTestManager(t)

	rec, err := m.Update(context.Background(), "ghost", KindAnon, map[string]any{"anon_query_count": 9})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if rec != nil {
		t.Fatalf("expected nil for absent key, got %+v", rec)
	}
	if mr.Exists("test:anon:ghost") {
		t.Fatalf("no value should materialize")
	}
}
