// Package domain contains the one-time email login code and its contracts.
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	sessiondomain "github.com/keylinehq/keyline/internal/session/domain"
	userdomain "github.com/keylinehq/keyline/internal/user/domain"
)

var (
	ErrCodeInvalid     = errors.New("login code invalid")
	ErrCodeExpired     = errors.New("login code expired")
	ErrTooManyAttempts = errors.New("too many login code attempts")
)

// MaxAttempts bounds verification tries per issued code.
const MaxAttempts = 5

// LoginCode is one issued one-time code. Only its hash is stored.
type LoginCode struct {
	ID         snowflake.ID `gorm:"primaryKey"`
	Email      string       `gorm:"type:text;not null;index"`
	CodeHash   string       `gorm:"column:code_hash;type:text;not null"`
	Attempts   int          `gorm:"not null;default:0"`
	CreatedAt  time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
	ExpiresAt  time.Time    `gorm:"column:expires_at;not null"`
	ConsumedAt *time.Time   `gorm:"column:consumed_at"`
}

func (LoginCode) TableName() string { return "login_codes" }

// Hasher hashes and verifies login codes. Hashing is an external
// collaborator of the login engine.
type Hasher interface {
	Hash(code string) (string, error)
	Verify(hash, code string) bool
}

// Store persists issued codes. Consume only succeeds once per code.
type Store interface {
	Create(ctx context.Context, code *LoginCode) error
	FindActive(ctx context.Context, email string, now time.Time) (*LoginCode, error)
	RecordAttempt(ctx context.Context, id snowflake.ID) error
	Consume(ctx context.Context, id snowflake.ID, at time.Time) (bool, error)
}

type StartRequest struct {
	Email string
}

type CompleteRequest struct {
	Email     string
	Code      string
	UserAgent string
	IPAddress string
}

type CompleteResult struct {
	User    *userdomain.User
	Session *sessiondomain.Session
	Tokens  sessiondomain.TokenPair
}

// Service issues codes by email and completes them into sessions.
type Service interface {
	Start(ctx context.Context, req StartRequest) error
	Complete(ctx context.Context, req CompleteRequest) (*CompleteResult, error)
}
