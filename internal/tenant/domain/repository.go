package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

var (
	ErrTenantNotFound     = errors.New("tenant not found")
	ErrTenantExists       = errors.New("tenant already exists")
	ErrMembershipNotFound = errors.New("membership not found")
)

type Repository interface {
	// WithTx returns a view of the repository bound to tx, so callers
	// can group writes with other repositories in one transaction.
	WithTx(tx *gorm.DB) Repository
	Create(ctx context.Context, tenant *Tenant) error
	Get(ctx context.Context, id snowflake.ID) (*Tenant, error)
	SlugTaken(ctx context.Context, slug string) (bool, error)
	CreateMembership(ctx context.Context, membership *Membership) error
	FindMembership(ctx context.Context, tenantID, userID snowflake.ID) (*Membership, error)
	ListMembershipsByUser(ctx context.Context, userID snowflake.ID) ([]Membership, error)
}
