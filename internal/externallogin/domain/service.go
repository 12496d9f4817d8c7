package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	sessiondomain "github.com/keylinehq/keyline/internal/session/domain"
)

// StartRequest describes a browser starting a login or signup flow.
type StartRequest struct {
	Provider          string
	Type              FlowType
	ReturnPath        string
	UserAgent         string
	AcceptLanguage    string
	RedirectURI       string
	PreferredTenantID *snowflake.ID
}

// StartResult carries the provider redirect plus the encrypted flow cookie
// the handler must set before redirecting.
type StartResult struct {
	RedirectURL string
	Cookie      string
	CookieTTL   time.Duration
}

// CallbackRequest describes the provider's redirect back to us.
type CallbackRequest struct {
	Provider       string
	Type           FlowType
	Code           string
	State          string
	ProviderError  string
	Cookie         string
	UserAgent      string
	AcceptLanguage string
	IPAddress      string
	RedirectURI    string
}

// CallbackResult is always a redirect: to the flow's return path on success,
// or to the error page carrying a coarse public code on any failure.
type CallbackResult struct {
	RedirectURL string
	Success     bool
	// ErrorCode is the public code on failure, empty on success.
	ErrorCode string
	Session   *sessiondomain.Session
	Tokens    sessiondomain.TokenPair
}

// Service drives the redirect-based external login protocol.
type Service interface {
	Start(ctx context.Context, req StartRequest) (*StartResult, error)
	Callback(ctx context.Context, req CallbackRequest) (*CallbackResult, error)
}
