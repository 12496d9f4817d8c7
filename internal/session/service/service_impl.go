package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/keylinehq/keyline/internal/audit/domain"
	"github.com/keylinehq/keyline/internal/clock"
	"github.com/keylinehq/keyline/internal/config"
	"github.com/keylinehq/keyline/internal/observability/metrics"
	"github.com/keylinehq/keyline/internal/session/domain"
	"github.com/keylinehq/keyline/internal/sync"
	tenantdomain "github.com/keylinehq/keyline/internal/tenant/domain"
	"github.com/keylinehq/keyline/internal/token"
	userdomain "github.com/keylinehq/keyline/internal/user/domain"
	"github.com/oklog/ulid/v2"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	refreshOutcomeRotated   = "rotated"
	refreshOutcomeGrace     = "grace"
	refreshOutcomeConverged = "converged"
)

type Params struct {
	fx.In

	Log      *zap.Logger
	GenID    *snowflake.Node
	Clock    clock.Clock
	Signer   *token.Signer
	Store    domain.Store
	Tenants  tenantdomain.Repository
	Users    userdomain.Repository
	Security *config.SecurityConfigHolder
	Hub      *sync.Hub
	Audit    auditdomain.Service
	Metrics  *metrics.Metrics `optional:"true"`
}

type service struct {
	log      *zap.Logger
	genID    *snowflake.Node
	clock    clock.Clock
	signer   *token.Signer
	store    domain.Store
	tenants  tenantdomain.Repository
	users    userdomain.Repository
	security *config.SecurityConfigHolder
	hub      *sync.Hub
	audit    auditdomain.Service
	metrics  *metrics.Metrics
}

func New(p Params) domain.Service {
	return &service{
		log:      p.Log.Named("session.service"),
		genID:    p.GenID,
		clock:    p.Clock,
		signer:   p.Signer,
		store:    p.Store,
		tenants:  p.Tenants,
		users:    p.Users,
		security: p.Security,
		hub:      p.Hub,
		audit:    p.Audit,
		metrics:  p.Metrics,
	}
}

func (s *service) Create(ctx context.Context, params domain.CreateParams) (*domain.Session, error) {
	now := s.clock.Now()
	session := &domain.Session{
		ID:                  s.genID.Generate(),
		TenantID:            params.TenantID,
		UserID:              params.UserID,
		UserAgent:           params.UserAgent,
		IPAddress:           params.IPAddress,
		RefreshTokenID:      newRefreshTokenID(),
		RefreshTokenVersion: 1,
		CreatedAt:           now,
		LastSeenAt:          now,
	}
	if err := s.store.Create(ctx, session); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	s.metrics.RecordSessionCreated(ctx, params.Method)
	s.hub.Publish(session.UserID, sync.Event{
		SessionID: session.ID.String(),
		Kind:      sync.KindSessionCreated,
		At:        now,
	})

	actorID := session.UserID.String()
	sessionID := session.ID.String()
	_ = s.audit.AuditLog(ctx, &session.TenantID, auditdomain.ActorUser, &actorID,
		"session.created", "session", &sessionID, map[string]any{"method": params.Method})

	return session, nil
}

func (s *service) IssueTokens(ctx context.Context, session *domain.Session, user *userdomain.User) (domain.TokenPair, error) {
	return s.mint(ctx, session, user)
}

// Refresh validates a presented refresh credential and either rotates the
// session's token pair, honors the one-generation grace window, or detects a
// replay and revokes the session.
func (s *service) Refresh(ctx context.Context, rawRefreshToken string) (domain.TokenPair, error) {
	cred, err := s.signer.ParseRefresh(rawRefreshToken)
	switch {
	case errors.Is(err, token.ErrExpired):
		return domain.TokenPair{}, domain.Unauthorized(domain.ReasonExpired)
	case err != nil:
		return domain.TokenPair{}, domain.Unauthorized(domain.ReasonMalformedToken)
	}

	session, err := s.store.Get(ctx, cred.SessionID)
	if errors.Is(err, domain.ErrSessionNotFound) {
		return domain.TokenPair{}, domain.Unauthorized(domain.ReasonSessionNotFound)
	}
	if err != nil {
		return domain.TokenPair{}, fmt.Errorf("load session: %w", err)
	}

	if session.IsRevoked {
		return domain.TokenPair{}, domain.Unauthorized(revokedReason(session))
	}
	// Report a user mismatch as not-found so the response does not confirm
	// the session exists.
	if session.UserID != cred.UserID {
		return domain.TokenPair{}, domain.Unauthorized(domain.ReasonSessionNotFound)
	}

	switch {
	case session.CurrentPair(cred.RefreshTokenID, cred.RefreshVersion):
		session, err = s.rotate(ctx, session, cred)
		if err != nil {
			return domain.TokenPair{}, err
		}
	case session.GracePair(cred.RefreshTokenID, cred.RefreshVersion):
		// One-generation-old token from a benign race: re-assert the current
		// pair without mutating the session.
		s.metrics.RecordRefresh(ctx, refreshOutcomeGrace)
	default:
		return domain.TokenPair{}, s.rejectReplay(ctx, session)
	}

	user, err := s.users.FindByID(ctx, cred.UserID)
	if errors.Is(err, userdomain.ErrUserNotFound) {
		return domain.TokenPair{}, domain.Unauthorized(domain.ReasonSessionNotFound)
	}
	if err != nil {
		return domain.TokenPair{}, fmt.Errorf("load user: %w", err)
	}

	pair, err := s.mint(ctx, session, user)
	if err != nil {
		return domain.TokenPair{}, err
	}

	// Last-seen rides the ambient unit of work and is not security-critical.
	if err := s.users.TouchLastSeen(ctx, user.ID, s.clock.Now()); err != nil {
		s.log.Warn("touch last seen", zap.Error(err), zap.Stringer("user_id", user.ID))
	}

	return pair, nil
}

// rotate performs the single-winner compare-and-swap. The loser of a race
// converges on the winner's state instead of rotating twice.
func (s *service) rotate(ctx context.Context, session *domain.Session, cred token.RefreshCredential) (*domain.Session, error) {
	newTokenID := newRefreshTokenID()
	won, err := s.store.CompareAndSwapRotate(ctx, session.ID, cred.RefreshTokenID, cred.RefreshVersion, newTokenID, s.clock.Now())
	if err != nil {
		return nil, fmt.Errorf("rotate session: %w", err)
	}

	if won {
		prev := session.RefreshTokenID
		session.PreviousRefreshTokenID = &prev
		session.RefreshTokenID = newTokenID
		session.RefreshTokenVersion = cred.RefreshVersion + 1

		s.metrics.RecordRefresh(ctx, refreshOutcomeRotated)
		s.hub.Publish(session.UserID, sync.Event{
			SessionID: session.ID.String(),
			Kind:      sync.KindSessionRotated,
			At:        s.clock.Now(),
		})
		return session, nil
	}

	// A concurrent request rotated first. Re-read and accept the presented
	// token only if it now falls inside the grace window.
	current, err := s.store.Get(ctx, session.ID)
	if err != nil {
		return nil, fmt.Errorf("reload session: %w", err)
	}
	if current.IsRevoked {
		return nil, domain.Unauthorized(revokedReason(current))
	}
	if !current.GracePair(cred.RefreshTokenID, cred.RefreshVersion) {
		return nil, s.rejectReplay(ctx, current)
	}

	s.metrics.RecordRefresh(ctx, refreshOutcomeConverged)
	return current, nil
}

// rejectReplay revokes the session. Only the compare-and-swap winner emits
// the replay signal, but every caller reaching this branch is rejected with
// the same reason.
func (s *service) rejectReplay(ctx context.Context, session *domain.Session) error {
	now := s.clock.Now()
	won, err := s.store.CompareAndSwapRevoke(ctx, session.ID, session.RefreshTokenID, session.RefreshTokenVersion,
		domain.ReasonReplayAttackDetected, now)
	if err != nil {
		s.log.Error("revoke replayed session", zap.Error(err), zap.Stringer("session_id", session.ID))
	}
	if won {
		s.log.Warn("refresh token replay detected",
			zap.Stringer("session_id", session.ID),
			zap.Stringer("user_id", session.UserID),
		)
		s.metrics.RecordReplayDetected(ctx)
		s.hub.Publish(session.UserID, sync.Event{
			SessionID: session.ID.String(),
			Kind:      sync.KindReplayDetected,
			At:        now,
		})

		actorID := session.UserID.String()
		sessionID := session.ID.String()
		_ = s.audit.AuditLog(ctx, &session.TenantID, auditdomain.ActorSystem, &actorID,
			"session.replay_detected", "session", &sessionID, nil)
	}
	return domain.Unauthorized(domain.ReasonReplayAttackDetected)
}

func (s *service) Revoke(ctx context.Context, sessionID, requestingUserID snowflake.ID, reason string) error {
	if reason == "" {
		reason = domain.ReasonRevoked
	}

	for attempt := 0; attempt < 3; attempt++ {
		session, err := s.store.Get(ctx, sessionID)
		if err != nil {
			return err
		}
		if session.UserID != requestingUserID {
			return domain.ErrNotSessionOwner
		}
		if session.IsRevoked {
			return domain.ErrSessionRevoked
		}

		now := s.clock.Now()
		won, err := s.store.CompareAndSwapRevoke(ctx, session.ID, session.RefreshTokenID, session.RefreshTokenVersion, reason, now)
		if err != nil {
			return fmt.Errorf("revoke session: %w", err)
		}
		if !won {
			// The token pair moved under us (concurrent refresh); retry
			// against the session's new state.
			continue
		}

		s.metrics.RecordSessionRevoked(ctx, reason)
		s.hub.Publish(session.UserID, sync.Event{
			SessionID: session.ID.String(),
			Kind:      sync.KindSessionRevoked,
			At:        now,
		})

		actorID := requestingUserID.String()
		target := session.ID.String()
		_ = s.audit.AuditLog(ctx, &session.TenantID, auditdomain.ActorUser, &actorID,
			"session.revoked", "session", &target, map[string]any{"reason": reason})
		return nil
	}

	return domain.ErrSessionRevoked
}

func (s *service) ListForUser(ctx context.Context, userID snowflake.ID) ([]domain.Session, error) {
	return s.store.ListByUser(ctx, userID)
}

// mint builds the current identity claims and signs a fresh token pair. A
// session whose tenant has been deleted never gets new tokens.
func (s *service) mint(ctx context.Context, session *domain.Session, user *userdomain.User) (domain.TokenPair, error) {
	_, err := s.tenants.Get(ctx, session.TenantID)
	if errors.Is(err, tenantdomain.ErrTenantNotFound) {
		return domain.TokenPair{}, domain.Unauthorized(domain.ReasonTenantDeleted)
	}
	if err != nil {
		return domain.TokenPair{}, fmt.Errorf("load tenant: %w", err)
	}

	role := user.Role
	if membership, err := s.tenants.FindMembership(ctx, session.TenantID, user.ID); err == nil {
		role = membership.Role
	}

	cfg := s.security.Current()
	access, err := s.signer.SignAccess(user.ID, session.TenantID, session.ID, role, user.Email, cfg.AccessTokenTTL)
	if err != nil {
		return domain.TokenPair{}, fmt.Errorf("sign access token: %w", err)
	}
	refresh, err := s.signer.SignRefresh(user.ID, session.ID, session.RefreshTokenID, session.RefreshTokenVersion, cfg.RefreshTokenTTL)
	if err != nil {
		return domain.TokenPair{}, fmt.Errorf("sign refresh token: %w", err)
	}

	return domain.TokenPair{AccessToken: access, RefreshToken: refresh}, nil
}

func revokedReason(session *domain.Session) string {
	if session.RevokedReason != "" {
		return session.RevokedReason
	}
	return domain.ReasonRevoked
}

func newRefreshTokenID() string {
	return ulid.Make().String()
}
