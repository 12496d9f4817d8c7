package service

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/keylinehq/keyline/internal/audit/domain"
	"github.com/keylinehq/keyline/internal/clock"
	"github.com/keylinehq/keyline/internal/config"
	"github.com/keylinehq/keyline/internal/logincode/domain"
	"github.com/keylinehq/keyline/internal/providers/email"
	sessiondomain "github.com/keylinehq/keyline/internal/session/domain"
	userdomain "github.com/keylinehq/keyline/internal/user/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const codeDigits = 6

type Params struct {
	fx.In

	Log      *zap.Logger
	GenID    *snowflake.Node
	Clock    clock.Clock
	Store    domain.Store
	Hasher   domain.Hasher
	Users    userdomain.Repository
	Sessions sessiondomain.Service
	Email    email.Provider
	Security *config.SecurityConfigHolder
	Audit    auditdomain.Service
}

type service struct {
	log      *zap.Logger
	genID    *snowflake.Node
	clock    clock.Clock
	store    domain.Store
	hasher   domain.Hasher
	users    userdomain.Repository
	sessions sessiondomain.Service
	email    email.Provider
	security *config.SecurityConfigHolder
	audit    auditdomain.Service
}

func New(p Params) domain.Service {
	return &service{
		log:      p.Log.Named("logincode.service"),
		genID:    p.GenID,
		clock:    p.Clock,
		store:    p.Store,
		hasher:   p.Hasher,
		users:    p.Users,
		sessions: p.Sessions,
		email:    p.Email,
		security: p.Security,
		audit:    p.Audit,
	}
}

// Start issues a one-time code for the address. It reports success even for
// unknown addresses so the endpoint cannot be used to enumerate accounts.
func (s *service) Start(ctx context.Context, req domain.StartRequest) error {
	address := strings.ToLower(strings.TrimSpace(req.Email))
	if address == "" || !strings.Contains(address, "@") {
		return domain.ErrCodeInvalid
	}

	if _, err := s.users.FindByEmail(ctx, address); err != nil {
		if errors.Is(err, userdomain.ErrUserNotFound) {
			return nil
		}
		return err
	}

	code, err := randomCode()
	if err != nil {
		return err
	}
	hash, err := s.hasher.Hash(code)
	if err != nil {
		return err
	}

	now := s.clock.Now()
	ttl := s.security.Current().LoginCodeTTL
	if err := s.store.Create(ctx, &domain.LoginCode{
		ID:        s.genID.Generate(),
		Email:     address,
		CodeHash:  hash,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}); err != nil {
		return fmt.Errorf("store login code: %w", err)
	}

	body := fmt.Sprintf("<p>Your login code is <strong>%s</strong>. It expires in %d minutes.</p>",
		code, int(ttl.Minutes()))
	if err := s.email.Send(ctx, address, "Your login code", body); err != nil {
		s.log.Error("send login code", zap.Error(err))
		return fmt.Errorf("send login code: %w", err)
	}
	return nil
}

// Complete verifies a presented code and mints a session.
func (s *service) Complete(ctx context.Context, req domain.CompleteRequest) (*domain.CompleteResult, error) {
	address := strings.ToLower(strings.TrimSpace(req.Email))
	presented := strings.TrimSpace(req.Code)
	if address == "" || presented == "" {
		return nil, domain.ErrCodeInvalid
	}

	now := s.clock.Now()
	code, err := s.store.FindActive(ctx, address, now)
	if err != nil {
		return nil, err
	}
	if code.Attempts >= domain.MaxAttempts {
		return nil, domain.ErrTooManyAttempts
	}

	if !s.hasher.Verify(code.CodeHash, presented) {
		if err := s.store.RecordAttempt(ctx, code.ID); err != nil {
			s.log.Error("record attempt", zap.Error(err))
		}
		return nil, domain.ErrCodeInvalid
	}

	consumed, err := s.store.Consume(ctx, code.ID, now)
	if err != nil {
		return nil, fmt.Errorf("consume login code: %w", err)
	}
	if !consumed {
		return nil, domain.ErrCodeInvalid
	}

	user, err := s.users.FindByEmail(ctx, address)
	if err != nil {
		if errors.Is(err, userdomain.ErrUserNotFound) {
			return nil, domain.ErrCodeInvalid
		}
		return nil, err
	}

	session, err := s.sessions.Create(ctx, sessiondomain.CreateParams{
		TenantID:  user.TenantID,
		UserID:    user.ID,
		UserAgent: req.UserAgent,
		IPAddress: req.IPAddress,
		Method:    "login_code",
	})
	if err != nil {
		return nil, err
	}
	tokens, err := s.sessions.IssueTokens(ctx, session, user)
	if err != nil {
		return nil, err
	}

	actorID := user.ID.String()
	target := session.ID.String()
	_ = s.audit.AuditLog(ctx, &user.TenantID, auditdomain.ActorUser, &actorID,
		"login_code.completed", "session", &target, nil)

	return &domain.CompleteResult{User: user, Session: session, Tokens: tokens}, nil
}

func randomCode() (string, error) {
	max := big.NewInt(1)
	for i := 0; i < codeDigits; i++ {
		max.Mul(max, big.NewInt(10))
	}
	n, err := rand.Int(rand.Reader, max)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%0*d", codeDigits, n), nil
}
