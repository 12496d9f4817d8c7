package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/keylinehq/keyline/internal/externallogin/domain"
	"gorm.io/gorm"
)

type store struct {
	db *gorm.DB
}

func New(conn *gorm.DB) domain.Store {
	return &store{db: conn}
}

func (s *store) Create(ctx context.Context, flow *domain.ExternalLogin) error {
	return s.db.WithContext(ctx).Create(flow).Error
}

func (s *store) Get(ctx context.Context, id snowflake.ID) (*domain.ExternalLogin, error) {
	var flow domain.ExternalLogin
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&flow).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrFlowNotFound
	}
	if err != nil {
		return nil, err
	}
	return &flow, nil
}

// Complete is a guarded UPDATE: the WHERE clause on the pending result makes
// terminal states sticky under concurrent callbacks.
func (s *store) Complete(ctx context.Context, id snowflake.ID, result string, at time.Time) (bool, error) {
	res := s.db.WithContext(ctx).
		Model(&domain.ExternalLogin{}).
		Where("id = ? AND result = ?", id, domain.ResultPending).
		Updates(map[string]any{
			"result":       result,
			"completed_at": at,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}
