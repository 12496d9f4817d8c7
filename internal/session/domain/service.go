package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	userdomain "github.com/keylinehq/keyline/internal/user/domain"
)

// CreateParams describes the request that completed a login.
type CreateParams struct {
	TenantID  snowflake.ID
	UserID    snowflake.ID
	UserAgent string
	IPAddress string
	// Method records how the session was obtained (e.g. "login_code",
	// "external:google") for audit and metrics.
	Method string
}

// TokenPair is a freshly signed access/refresh credential pair.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
}

// Service is the session lifecycle manager: it creates sessions, decides
// when to rotate versus reject a refresh attempt, and issues tokens.
type Service interface {
	Create(ctx context.Context, params CreateParams) (*Session, error)
	IssueTokens(ctx context.Context, session *Session, user *userdomain.User) (TokenPair, error)
	Refresh(ctx context.Context, rawRefreshToken string) (TokenPair, error)
	Revoke(ctx context.Context, sessionID, requestingUserID snowflake.ID, reason string) error
	ListForUser(ctx context.Context, userID snowflake.ID) ([]Session, error)
}
