// Package domain contains the external-login flow record and the contracts
// of the redirect-based login/signup protocol.
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

// FlowType distinguishes a login attempt from a signup attempt.
type FlowType string

const (
	FlowLogin  FlowType = "login"
	FlowSignup FlowType = "signup"
)

// Flow results. A flow moves from Pending to exactly one terminal value,
// once; a flow whose result is already terminal is never completed again.
const (
	ResultPending              = "Pending"
	ResultSuccess              = "Success"
	ResultUserNotFound         = "UserNotFound"
	ResultAccountAlreadyExists = "AccountAlreadyExists"
	ResultLoginExpired         = "LoginExpired"
	ResultNonceMismatch        = "NonceMismatch"
	ResultFlowIDMismatch       = "FlowIdMismatch"
	ResultAuthenticationFailed = "AuthenticationFailed"
	ResultInvalidRequest       = "InvalidRequest"
)

var (
	ErrFlowNotFound = errors.New("external login flow not found")
)

// ExternalLogin is one redirect-flow attempt. It is tenant-agnostic: it
// exists before a tenant or user has been resolved.
type ExternalLogin struct {
	ID       snowflake.ID `gorm:"primaryKey"`
	Type     FlowType     `gorm:"type:text;not null"`
	Provider string       `gorm:"type:text;not null"`

	// Nonce is bound into the provider's identity assertion to prevent
	// assertion substitution.
	Nonce string `gorm:"type:text;not null"`

	Result            string        `gorm:"type:text;not null;default:Pending"`
	PreferredTenantID *snowflake.ID `gorm:"column:preferred_tenant_id"`

	CreatedAt   time.Time  `gorm:"not null;default:CURRENT_TIMESTAMP"`
	CompletedAt *time.Time `gorm:"column:completed_at"`
}

func (ExternalLogin) TableName() string { return "external_logins" }

// Expired reports whether the flow has outlived its validity window.
func (f *ExternalLogin) Expired(now time.Time, window time.Duration) bool {
	return now.After(f.CreatedAt.Add(window))
}

// Store persists external-login flows. Complete is the only mutation and
// only succeeds while the flow is still pending.
type Store interface {
	Create(ctx context.Context, flow *ExternalLogin) error
	Get(ctx context.Context, id snowflake.ID) (*ExternalLogin, error)

	// Complete records the flow's terminal result. It reports false if the
	// flow was already terminal, so a replayed callback can never complete a
	// flow twice.
	Complete(ctx context.Context, id snowflake.ID, result string, at time.Time) (bool, error)
}
