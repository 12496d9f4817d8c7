// Package domain contains core types for tenants and tenant membership.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

const (
	RoleOwner  = "owner"
	RoleAdmin  = "admin"
	RoleMember = "member"
)

// Tenant is the unit of isolation. Deletion is soft; a deleted tenant is
// treated as gone by every auth path.
type Tenant struct {
	ID        snowflake.ID   `gorm:"primaryKey"`
	Name      string         `gorm:"type:text;not null"`
	Slug      string         `gorm:"type:text;not null;uniqueIndex"`
	CreatedAt time.Time      `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt time.Time      `gorm:"not null;default:CURRENT_TIMESTAMP"`
	DeletedAt gorm.DeletedAt `gorm:"index"`
}

func (Tenant) TableName() string { return "tenants" }

// Membership grants a user a role inside a tenant.
type Membership struct {
	ID        snowflake.ID `gorm:"primaryKey"`
	TenantID  snowflake.ID `gorm:"column:tenant_id;not null;uniqueIndex:idx_membership_tenant_user"`
	UserID    snowflake.ID `gorm:"column:user_id;not null;uniqueIndex:idx_membership_tenant_user"`
	Role      string       `gorm:"type:text;not null"`
	CreatedAt time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (Membership) TableName() string { return "tenant_memberships" }
