package session

import (
	"context"
	"errors"

	"gorm.io/gorm"
)

// Repo is the durable-store adapter. The cache tier is a disposable mirror
// of these rows; on a cold cache this is the source of truth. Connectivity
// errors propagate to the caller unmodified.
type Repo struct {
	db *gorm.DB
}

func NewRepo(db *gorm.DB) *Repo {
	return &Repo{db: db}
}

// GetAuth returns the auth session row, or nil if absent.
func (r *Repo) GetAuth(ctx context.Context, id string) (*AuthSession, error) {
	var s AuthSession
	if err := r.db.WithContext(ctx).First(&s, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &s, nil
}

// GetAnon returns the anon session row, or nil if absent.
func (r *Repo) GetAnon(ctx context.Context, id string) (*AnonSession, error) {
	var s AnonSession
	if err := r.db.WithContext(ctx).First(&s, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &s, nil
}

func (r *Repo) CreateAuth(ctx context.Context, s *AuthSession) error {
	return r.db.WithContext(ctx).Create(s).Error
}

func (r *Repo) CreateAnon(ctx context.Context, s *AnonSession) error {
	return r.db.WithContext(ctx).Create(s).Error
}

// CreateAnonOrGetExisting creates the anon row, but if another request won
// the race on the same fingerprint it returns the existing row instead.
func (r *Repo) CreateAnonOrGetExisting(ctx context.Context, s *AnonSession) (*AnonSession, bool, error) {
	err := r.db.WithContext(ctx).Create(s).Error
	if err == nil {
		return s, true, nil
	}

	existing, getErr := r.GetAnon(ctx, s.ID)
	if getErr != nil {
		return nil, false, getErr
	}
	if existing == nil {
		return nil, false, err
	}
	return existing, false, nil
}

// UpdateAuth merges fields into the row; gorm refreshes updated_at as a
// side effect. Returns the affected row count.
func (r *Repo) UpdateAuth(ctx context.Context, id string, fields map[string]any) (int64, error) {
	res := r.db.WithContext(ctx).Model(&AuthSession{}).
		Where("id = ?", id).
		Updates(fields)
	return res.RowsAffected, res.Error
}

func (r *Repo) UpdateAnon(ctx context.Context, id string, fields map[string]any) (int64, error) {
	res := r.db.WithContext(ctx).Model(&AnonSession{}).
		Where("id = ?", id).
		Updates(fields)
	return res.RowsAffected, res.Error
}

func (r *Repo) DeleteAuth(ctx context.Context, id string) (int64, error) {
	res := r.db.WithContext(ctx).Where("id = ?", id).Delete(&AuthSession{})
	return res.RowsAffected, res.Error
}

func (r *Repo) DeleteAnon(ctx context.Context, id string) (int64, error) {
	res := r.db.WithContext(ctx).Where("id = ?", id).Delete(&AnonSession{})
	return res.RowsAffected, res.Error
}

// IncrementAnonCount bumps the quota counter with a conditional single-row
// update. The store's atomic row update is the only concurrency control the
// counter needs; callers must treat zero affected rows as a vanished session.
func (r *Repo) IncrementAnonCount(ctx context.Context, id string) (int64, error) {
	res := r.db.WithContext(ctx).Model(&AnonSession{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"anon_query_count": gorm.Expr("anon_query_count + ?", 1),
		})
	return res.RowsAffected, res.Error
}
