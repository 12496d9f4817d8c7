package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	// WithTx returns a view of the repository bound to tx, so callers
	// can group writes with other repositories in one transaction.
	WithTx(tx *gorm.DB) Repository
	Create(ctx context.Context, user *User) error
	FindByID(ctx context.Context, id snowflake.ID) (*User, error)
	FindByEmail(ctx context.Context, email string) (*User, error)
	FindByIdentity(ctx context.Context, provider, externalID string) (*User, error)
	LinkIdentity(ctx context.Context, identity *Identity) error
	UpdateFields(ctx context.Context, id snowflake.ID, fields map[string]any) error
	TouchLastSeen(ctx context.Context, id snowflake.ID, at time.Time) error
}
