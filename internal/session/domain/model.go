// Package domain contains the session row and the contracts the refresh
// rotation engine is built on.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// Revocation reasons stored on the session row. The stored reason is
// surfaced verbatim as the unauthorized reason on later refresh attempts.
const (
	ReasonRevoked              = "Revoked"
	ReasonReplayAttackDetected = "ReplayAttackDetected"
)

// Session is one authenticated device/browser session. Rows are soft state:
// they are created on login, mutated only by rotation, last-seen updates and
// revocation, and never physically deleted.
type Session struct {
	ID       snowflake.ID `gorm:"primaryKey"`
	TenantID snowflake.ID `gorm:"column:tenant_id;not null;index"`
	UserID   snowflake.ID `gorm:"column:user_id;not null;index"`

	UserAgent string `gorm:"column:user_agent;type:text"`
	IPAddress string `gorm:"column:ip_address;type:text"`

	// At most one live (RefreshTokenID, RefreshTokenVersion) pair exists per
	// session; the version strictly increases by 1 on every rotation. The
	// previous token id stays valid for exactly one generation.
	RefreshTokenID         string  `gorm:"column:refresh_token_id;type:text;not null"`
	RefreshTokenVersion    int64   `gorm:"column:refresh_token_version;not null;default:1"`
	PreviousRefreshTokenID *string `gorm:"column:previous_refresh_token_id;type:text"`

	IsRevoked     bool       `gorm:"column:is_revoked;not null;default:false"`
	RevokedAt     *time.Time `gorm:"column:revoked_at"`
	RevokedReason string     `gorm:"column:revoked_reason;type:text"`

	CreatedAt  time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
	LastSeenAt time.Time `gorm:"column:last_seen_at;not null;default:CURRENT_TIMESTAMP"`
}

func (Session) TableName() string { return "sessions" }

// CurrentPair reports whether the presented (tokenID, version) is the
// session's live pair.
func (s *Session) CurrentPair(tokenID string, version int64) bool {
	return tokenID == s.RefreshTokenID && version == s.RefreshTokenVersion
}

// GracePair reports whether the presented (tokenID, version) is the
// immediately prior generation, tolerated to absorb benign request races.
func (s *Session) GracePair(tokenID string, version int64) bool {
	return s.PreviousRefreshTokenID != nil &&
		tokenID == *s.PreviousRefreshTokenID &&
		version == s.RefreshTokenVersion-1
}
