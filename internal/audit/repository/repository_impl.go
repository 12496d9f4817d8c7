package repository

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/keylinehq/keyline/internal/audit/domain"
	"gorm.io/gorm"
)

type repo struct {
	db *gorm.DB
}

func New(conn *gorm.DB) domain.Repository {
	return &repo{db: conn}
}

func (r *repo) Create(ctx context.Context, entry *domain.AuditLog) error {
	return r.db.WithContext(ctx).Create(entry).Error
}

func (r *repo) ListForTenant(ctx context.Context, tenantID snowflake.ID, limit int) ([]domain.AuditLog, error) {
	var entries []domain.AuditLog
	err := r.db.WithContext(ctx).
		Where("tenant_id = ?", tenantID).
		Order("created_at DESC").
		Limit(limit).
		Find(&entries).Error
	return entries, err
}
