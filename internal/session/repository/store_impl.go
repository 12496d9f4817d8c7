package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/keylinehq/keyline/internal/session/domain"
	"gorm.io/gorm"
)

type store struct {
	// db is the base connection, never a caller transaction. The two
	// compare-and-swap writes must commit immediately so their effect is
	// visible to racing requests before the surrounding request finishes.
	db *gorm.DB
}

func New(conn *gorm.DB) domain.Store {
	return &store{db: conn}
}

func (s *store) Create(ctx context.Context, session *domain.Session) error {
	return s.db.WithContext(ctx).Create(session).Error
}

func (s *store) Get(ctx context.Context, id snowflake.ID) (*domain.Session, error) {
	var session domain.Session
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&session).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	return &session, nil
}

func (s *store) ListByUser(ctx context.Context, userID snowflake.ID) ([]domain.Session, error) {
	var sessions []domain.Session
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Find(&sessions).Error
	return sessions, err
}

func (s *store) UpdateLastSeen(ctx context.Context, id snowflake.ID, at time.Time) error {
	return s.db.WithContext(ctx).
		Model(&domain.Session{}).
		Where("id = ?", id).
		Update("last_seen_at", at).Error
}

// CompareAndSwapRotate is a single guarded UPDATE; the WHERE clause on the
// expected token pair is what makes "only one winner rotates" hold across
// server instances.
func (s *store) CompareAndSwapRotate(ctx context.Context, id snowflake.ID, expectedTokenID string, expectedVersion int64, newTokenID string, at time.Time) (bool, error) {
	res := s.db.WithContext(ctx).
		Model(&domain.Session{}).
		Where("id = ? AND refresh_token_id = ? AND refresh_token_version = ? AND is_revoked = ?",
			id, expectedTokenID, expectedVersion, false).
		Updates(map[string]any{
			"refresh_token_id":          newTokenID,
			"refresh_token_version":     expectedVersion + 1,
			"previous_refresh_token_id": expectedTokenID,
			"last_seen_at":              at,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (s *store) CompareAndSwapRevoke(ctx context.Context, id snowflake.ID, expectedTokenID string, expectedVersion int64, reason string, at time.Time) (bool, error) {
	res := s.db.WithContext(ctx).
		Model(&domain.Session{}).
		Where("id = ? AND refresh_token_id = ? AND refresh_token_version = ? AND is_revoked = ?",
			id, expectedTokenID, expectedVersion, false).
		Updates(map[string]any{
			"is_revoked":     true,
			"revoked_at":     at,
			"revoked_reason": reason,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}
