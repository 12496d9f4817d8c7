package service

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/keylinehq/keyline/internal/audit/domain"
	"github.com/keylinehq/keyline/internal/observability/logger"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
)

type Params struct {
	fx.In

	Log   *zap.Logger
	GenID *snowflake.Node
	Repo  auditdomain.Repository
}

type Service struct {
	log   *zap.Logger
	genID *snowflake.Node
	repo  auditdomain.Repository
}

func NewService(p Params) auditdomain.Service {
	return &Service{
		log:   p.Log.Named("audit.service"),
		genID: p.GenID,
		repo:  p.Repo,
	}
}

func (s *Service) AuditLog(ctx context.Context, tenantID *snowflake.ID, actorType string, actorID *string, action, targetType string, targetID *string, metadata map[string]any) error {
	action = strings.TrimSpace(action)
	if action == "" {
		return auditdomain.ErrInvalidAction
	}

	actorType = strings.TrimSpace(actorType)
	if actorType == "" {
		actorType = auditdomain.ActorSystem
	}
	targetType = strings.TrimSpace(targetType)
	if targetType == "" {
		targetType = "unknown"
	}

	payload := datatypes.JSONMap{}
	for key, value := range metadata {
		if key == "" {
			continue
		}
		payload[key] = value
	}
	if requestID := logger.RequestIDFromContext(ctx); requestID != "" {
		payload["request_id"] = requestID
	}

	info := auditdomain.RequestInfoFromContext(ctx)
	entry := &auditdomain.AuditLog{
		ID:         s.genID.Generate(),
		TenantID:   tenantID,
		ActorType:  actorType,
		ActorID:    actorID,
		Action:     action,
		TargetType: targetType,
		TargetID:   targetID,
		Metadata:   payload,
		IPAddress:  info.IPAddress,
		UserAgent:  info.UserAgent,
	}

	if err := s.repo.Create(ctx, entry); err != nil {
		s.log.Error("failed to write audit log",
			zap.String("action", action),
			zap.Error(err),
		)
		return err
	}
	return nil
}

const defaultListLimit = 100

func (s *Service) ListForTenant(ctx context.Context, tenantID snowflake.ID, limit int) ([]auditdomain.AuditLog, error) {
	if limit <= 0 || limit > defaultListLimit {
		limit = defaultListLimit
	}
	return s.repo.ListForTenant(ctx, tenantID, limit)
}

// Noop returns an audit sink that records nothing, for tests.
func Noop() auditdomain.Service {
	return noopService{}
}

type noopService struct{}

func (noopService) AuditLog(context.Context, *snowflake.ID, string, *string, string, string, *string, map[string]any) error {
	return nil
}

func (noopService) ListForTenant(context.Context, snowflake.ID, int) ([]auditdomain.AuditLog, error) {
	return nil, nil
}
