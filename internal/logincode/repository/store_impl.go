package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/keylinehq/keyline/internal/logincode/domain"
	"gorm.io/gorm"
)

type store struct {
	db *gorm.DB
}

func New(conn *gorm.DB) domain.Store {
	return &store{db: conn}
}

func (s *store) Create(ctx context.Context, code *domain.LoginCode) error {
	return s.db.WithContext(ctx).Create(code).Error
}

func (s *store) FindActive(ctx context.Context, email string, now time.Time) (*domain.LoginCode, error) {
	var code domain.LoginCode
	err := s.db.WithContext(ctx).
		Where("email = ? AND consumed_at IS NULL AND expires_at > ?", email, now).
		Order("created_at DESC").
		First(&code).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrCodeInvalid
	}
	if err != nil {
		return nil, err
	}
	return &code, nil
}

func (s *store) RecordAttempt(ctx context.Context, id snowflake.ID) error {
	return s.db.WithContext(ctx).
		Model(&domain.LoginCode{}).
		Where("id = ?", id).
		Update("attempts", gorm.Expr("attempts + 1")).Error
}

// Consume is guarded on the unconsumed state so a code mints at most one
// session.
func (s *store) Consume(ctx context.Context, id snowflake.ID, at time.Time) (bool, error) {
	res := s.db.WithContext(ctx).
		Model(&domain.LoginCode{}).
		Where("id = ? AND consumed_at IS NULL", id).
		Update("consumed_at", at)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}
