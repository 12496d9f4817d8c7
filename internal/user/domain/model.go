// Package domain contains core types for user accounts and their linked
// external identities.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// User represents a system user account.
type User struct {
	ID          snowflake.ID      `gorm:"primaryKey"`
	TenantID    snowflake.ID      `gorm:"column:tenant_id;not null;index"`
	Email       string            `gorm:"type:text;not null;uniqueIndex"`
	DisplayName string            `gorm:"type:text"`
	Role        string            `gorm:"type:text;not null;default:member"`
	Metadata    datatypes.JSONMap `gorm:"type:jsonb;not null;default:'{}'"`
	LastSeenAt  *time.Time        `gorm:"column:last_seen_at"`
	CreatedAt   time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt   time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (User) TableName() string { return "users" }

// Identity links a user to one external identity provider subject.
type Identity struct {
	ID            snowflake.ID `gorm:"primaryKey"`
	UserID        snowflake.ID `gorm:"column:user_id;not null;index"`
	Provider      string       `gorm:"type:text;not null;uniqueIndex:idx_identity_provider_subject"`
	ExternalID    string       `gorm:"column:external_id;type:text;not null;uniqueIndex:idx_identity_provider_subject"`
	EmailVerified bool         `gorm:"column:email_verified;not null;default:false"`
	CreatedAt     time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (Identity) TableName() string { return "user_identities" }
