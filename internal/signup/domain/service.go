// Package domain defines the signup contract: provisioning a fresh tenant
// with its owner user from a verified external identity or email login.
package domain

import (
	"context"
	"errors"

	userdomain "github.com/keylinehq/keyline/internal/user/domain"
)

var (
	ErrInvalidRequest = errors.New("invalid signup request")
	ErrAccountExists  = errors.New("account already exists")
)

// Request carries what the completed authentication asserted about the new
// account.
type Request struct {
	Email       string
	DisplayName string
	TenantName  string

	// Provider and ExternalID link the new user to the identity that signed
	// up, when signup came through an external provider.
	Provider      string
	ExternalID    string
	EmailVerified bool
}

// Result is the provisioned account.
type Result struct {
	User     *userdomain.User
	TenantID string
}

// Service provisions a tenant and its owner in one unit of work.
type Service interface {
	Provision(ctx context.Context, req Request) (*Result, error)
}
