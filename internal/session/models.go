package session

import "time"

// Kind tags the two session variants. They are never mixed: an auth session
// always carries a user id, an anon session only its query counter.
type Kind string

const (
	KindAuth Kind = "auth"
	KindAnon Kind = "anon"
)

func (k Kind) Valid() bool { return k == KindAuth || k == KindAnon }

// AuthSession is the durable row for a signed-in user's session.
type AuthSession struct {
	ID     string `gorm:"primaryKey;size:26" json:"id"` // ULID
	UserID uint64 `gorm:"index;not null" json:"user_id"`

	QueryCount        int    `gorm:"not null;default:0" json:"query_count"`
	TokenCount        int    `gorm:"not null;default:0" json:"token_count"`
	MaxResponseLength int    `gorm:"not null;default:0" json:"max_response_length"`
	ResponseStyle     string `gorm:"type:varchar(32);not null;default:''" json:"response_style"`

	ExpiresAt time.Time `gorm:"index;not null" json:"expires_at"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (AuthSession) TableName() string { return "auth_sessions" }

// AnonSession is the durable row for a fingerprint-derived session.
type AnonSession struct {
	ID             string `gorm:"primaryKey;size:64" json:"id"` // fingerprint hash
	AnonQueryCount int    `gorm:"not null;default:0" json:"anon_query_count"`

	ExpiresAt time.Time `gorm:"index;not null" json:"expires_at"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (AnonSession) TableName() string { return "anon_sessions" }

// Record is the cache-tier mirror of a session. Lifetime lives in the
// cache's native TTL, not in the record itself.
type Record struct {
	ID   string `json:"id"`
	Kind Kind   `json:"kind"`

	// auth variant
	UserID            uint64 `json:"user_id,omitempty"`
	QueryCount        int    `json:"query_count,omitempty"`
	TokenCount        int    `json:"token_count,omitempty"`
	MaxResponseLength int    `json:"max_response_length,omitempty"`
	ResponseStyle     string `json:"response_style,omitempty"`

	// anon variant
	AnonQueryCount int `json:"anon_query_count,omitempty"`
}

// RecordFromAuth mirrors a durable auth row into a cache record.
func RecordFromAuth(row *AuthSession) Record {
	return Record{
		ID:                row.ID,
		Kind:              KindAuth,
		UserID:            row.UserID,
		QueryCount:        row.QueryCount,
		TokenCount:        row.TokenCount,
		MaxResponseLength: row.MaxResponseLength,
		ResponseStyle:     row.ResponseStyle,
	}
}

// RecordFromAnon mirrors a durable anon row into a cache record.
func RecordFromAnon(row *AnonSession) Record {
	return Record{
		ID:             row.ID,
		Kind:           KindAnon,
		AnonQueryCount: row.AnonQueryCount,
	}
}
