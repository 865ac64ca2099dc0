package session

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/pagelens/pagelens/internal/common"
)

// Quota enforces the anonymous query ceiling. The durable store is the
// counter's authority; the cache only accelerates the admission check, so
// an evicted cache entry can never lose an increment.
type Quota struct {
	repo  *Repo
	mgr   *Manager
	limit int
}

func NewQuota(repo *Repo, mgr *Manager, limit int) *Quota {
	if limit <= 0 {
		limit = 3
	}
	return &Quota{repo: repo, mgr: mgr, limit: limit}
}

func (q *Quota) Limit() int { return q.limit }

// CheckAndAdmit reports whether the anonymous session may run another
// query. Rejection happens before any generation or response-cache work.
func (q *Quota) CheckAndAdmit(ctx context.Context, sessionID string) (bool, error) {
	count, err := q.currentCount(ctx, sessionID)
	if err != nil {
		return false, err
	}
	return count < q.limit, nil
}

// Increment bumps the durable counter and, only if a row was actually
// updated, mirrors the new value into the cache. A vanished session leaves
// the cache untouched so it can never drift ahead of the store.
func (q *Quota) Increment(ctx context.Context, sessionID string) (int, error) {
	rows, err := q.repo.IncrementAnonCount(ctx, sessionID)
	if err != nil {
		return 0, err
	}
	if rows == 0 {
		return 0, fmt.Errorf("%w: anon session %s", common.ErrSessionNotFound, sessionID)
	}

	row, err := q.repo.GetAnon(ctx, sessionID)
	if err != nil {
		return 0, err
	}
	if row == nil {
		return 0, fmt.Errorf("%w: anon session %s", common.ErrSessionNotFound, sessionID)
	}

	// cache mirror is best-effort; next cache miss re-reads the store
	if _, err := q.mgr.Update(ctx, sessionID, KindAnon, map[string]any{
		"anon_query_count": row.AnonQueryCount,
	}); err != nil {
		log.Printf("quota: cache mirror failed session=%s err=%v", sessionID, err)
	}

	return row.AnonQueryCount, nil
}

// currentCount resolves the counter, cache first, durable store on miss.
// A durable hit repopulates the cache with the row's remaining lifetime.
func (q *Quota) currentCount(ctx context.Context, sessionID string) (int, error) {
	rec, _, err := q.mgr.Get(ctx, sessionID, KindAnon)
	if err != nil {
		return 0, err
	}
	if rec != nil {
		return rec.AnonQueryCount, nil
	}

	row, err := q.repo.GetAnon(ctx, sessionID)
	if err != nil {
		return 0, err
	}
	if row == nil || !row.ExpiresAt.After(time.Now()) {
		return 0, fmt.Errorf("%w: anon session %s", common.ErrSessionNotFound, sessionID)
	}

	if err := q.mgr.Create(ctx, RecordFromAnon(row), row.ExpiresAt); err != nil {
		log.Printf("quota: cache repopulate failed session=%s err=%v", sessionID, err)
	}
	return row.AnonQueryCount, nil
}
