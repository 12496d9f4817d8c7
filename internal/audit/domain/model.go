// Package domain contains core types for the append-only audit trail.
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

var ErrInvalidAction = errors.New("audit action is required")

// Actor types recorded against audit entries.
const (
	ActorUser   = "user"
	ActorSystem = "system"
)

// AuditLog is one immutable record of a security-relevant outcome. The
// internal detail of why an authentication failed lives here and nowhere
// user-visible.
type AuditLog struct {
	ID         snowflake.ID      `gorm:"primaryKey"`
	TenantID   *snowflake.ID     `gorm:"column:tenant_id;index"`
	ActorType  string            `gorm:"column:actor_type;type:text;not null"`
	ActorID    *string           `gorm:"column:actor_id;type:text"`
	Action     string            `gorm:"type:text;not null;index"`
	TargetType string            `gorm:"column:target_type;type:text;not null"`
	TargetID   *string           `gorm:"column:target_id;type:text"`
	Metadata   datatypes.JSONMap `gorm:"type:jsonb;not null;default:'{}'"`
	IPAddress  string            `gorm:"column:ip_address;type:text"`
	UserAgent  string            `gorm:"column:user_agent;type:text"`
	CreatedAt  time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP;index"`
}

func (AuditLog) TableName() string { return "audit_logs" }

type Repository interface {
	Create(ctx context.Context, entry *AuditLog) error
	ListForTenant(ctx context.Context, tenantID snowflake.ID, limit int) ([]AuditLog, error)
}

type Service interface {
	AuditLog(ctx context.Context, tenantID *snowflake.ID, actorType string, actorID *string, action, targetType string, targetID *string, metadata map[string]any) error
	ListForTenant(ctx context.Context, tenantID snowflake.ID, limit int) ([]AuditLog, error)
}
