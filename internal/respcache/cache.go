// Package respcache is a content-addressed cache of generated answers,
// keyed by (user, page, normalized question). It deduplicates expensive
// generation calls; anything smarter than exact matching happens upstream.
package respcache

import (
	"context"
	"encoding/json"
	"log"
	"strings"
	"time"

	"github.com/pagelens/pagelens/internal/pageid"
	"github.com/pagelens/pagelens/internal/store/redisstore"
)

type Cache struct {
	store *redisstore.Store
	ttl   time.Duration
}

// Entry is immutable once written; a rephrased question produces a new key.
type Entry struct {
	Response  string         `json:"response"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

func New(store *redisstore.Store, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Cache{store: store, ttl: ttl}
}

// key hashes the normalized question so trivially different casing or
// whitespace still hits, and so arbitrary question text never leaks into
// cache keys.
func (c *Cache) key(userID, pageID, query string) string {
	normalized := strings.ToLower(strings.TrimSpace(query))
	return c.store.Key("response", userID, pageID, pageid.Hash(normalized))
}

// Store writes the entry best-effort. Failures are logged, never returned:
// a cache-store failure must not fail the generation that produced it.
func (c *Cache) Store(ctx context.Context, userID, pageID, query, response string, metadata map[string]any) {
	entry := Entry{
		Response:  response,
		Metadata:  metadata,
		CreatedAt: time.Now(),
	}
	b, err := json.Marshal(entry)
	if err != nil {
		log.Printf("respcache: marshal failed user=%s page=%s err=%v", userID, pageID, err)
		return
	}
	if err := c.store.Set(ctx, c.key(userID, pageID, query), string(b), c.ttl); err != nil {
		log.Printf("respcache: store failed user=%s page=%s err=%v", userID, pageID, err)
	}
}

// Lookup recomputes the key and does an exact-match read. Returns nil on a
// miss or on a corrupt entry.
func (c *Cache) Lookup(ctx context.Context, userID, pageID, query string) (*Entry, error) {
	cached, err := c.store.Get(ctx, c.key(userID, pageID, query))
	if err != nil {
		return nil, err
	}
	if cached == nil {
		return nil, nil
	}

	var entry Entry
	if err := json.Unmarshal([]byte(cached.Value), &entry); err != nil {
		log.Printf("respcache: corrupt entry user=%s page=%s err=%v", userID, pageID, err)
		return nil, nil
	}
	return &entry, nil
}
