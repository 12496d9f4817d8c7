package repository

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"github.com/keylinehq/keyline/internal/tenant/domain"
	"github.com/keylinehq/keyline/pkg/db"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

var Module = fx.Module("tenant",
	fx.Provide(New),
)

type repo struct {
	db *gorm.DB
}

func New(conn *gorm.DB) domain.Repository {
	return &repo{db: conn}
}

func (r *repo) WithTx(tx *gorm.DB) domain.Repository {
	return &repo{db: tx}
}

func (r *repo) Create(ctx context.Context, tenant *domain.Tenant) error {
	err := r.db.WithContext(ctx).Create(tenant).Error
	if db.IsDuplicateKeyErr(err) {
		return domain.ErrTenantExists
	}
	return err
}

func (r *repo) Get(ctx context.Context, id snowflake.ID) (*domain.Tenant, error) {
	var tenant domain.Tenant
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&tenant).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrTenantNotFound
	}
	if err != nil {
		return nil, err
	}
	return &tenant, nil
}

func (r *repo) SlugTaken(ctx context.Context, slug string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&domain.Tenant{}).Where("slug = ?", slug).Count(&count).Error
	return count > 0, err
}

func (r *repo) CreateMembership(ctx context.Context, membership *domain.Membership) error {
	return r.db.WithContext(ctx).Create(membership).Error
}

func (r *repo) FindMembership(ctx context.Context, tenantID, userID snowflake.ID) (*domain.Membership, error) {
	var membership domain.Membership
	err := r.db.WithContext(ctx).
		Where("tenant_id = ? AND user_id = ?", tenantID, userID).
		First(&membership).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrMembershipNotFound
	}
	if err != nil {
		return nil, err
	}
	return &membership, nil
}

func (r *repo) ListMembershipsByUser(ctx context.Context, userID snowflake.ID) ([]domain.Membership, error) {
	var memberships []domain.Membership
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at ASC").
		Find(&memberships).Error
	return memberships, err
}
