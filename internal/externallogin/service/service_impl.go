package service

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/keylinehq/keyline/internal/audit/domain"
	"github.com/keylinehq/keyline/internal/clock"
	"github.com/keylinehq/keyline/internal/config"
	"github.com/keylinehq/keyline/internal/externallogin/carrier"
	"github.com/keylinehq/keyline/internal/externallogin/domain"
	"github.com/keylinehq/keyline/internal/externallogin/provider"
	"github.com/keylinehq/keyline/internal/observability/metrics"
	sessiondomain "github.com/keylinehq/keyline/internal/session/domain"
	signupdomain "github.com/keylinehq/keyline/internal/signup/domain"
	tenantdomain "github.com/keylinehq/keyline/internal/tenant/domain"
	userdomain "github.com/keylinehq/keyline/internal/user/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	defaultReturnPath = "/"
	errorPagePath     = "/login/error"
)

type Params struct {
	fx.In

	Log      *zap.Logger
	GenID    *snowflake.Node
	Clock    clock.Clock
	Store    domain.Store
	Codec    *carrier.Codec
	Provider *provider.Client
	Security *config.SecurityConfigHolder
	Users    userdomain.Repository
	Tenants  tenantdomain.Repository
	Sessions sessiondomain.Service
	Signup   signupdomain.Service
	Audit    auditdomain.Service
	Metrics  *metrics.Metrics `optional:"true"`
}

type service struct {
	log      *zap.Logger
	genID    *snowflake.Node
	clock    clock.Clock
	store    domain.Store
	codec    *carrier.Codec
	provider *provider.Client
	security *config.SecurityConfigHolder
	users    userdomain.Repository
	tenants  tenantdomain.Repository
	sessions sessiondomain.Service
	signup   signupdomain.Service
	audit    auditdomain.Service
	metrics  *metrics.Metrics
}

func New(p Params) domain.Service {
	return &service{
		log:      p.Log.Named("externallogin.service"),
		genID:    p.GenID,
		clock:    p.Clock,
		store:    p.Store,
		codec:    p.Codec,
		provider: p.Provider,
		security: p.Security,
		users:    p.Users,
		tenants:  p.Tenants,
		sessions: p.Sessions,
		signup:   p.Signup,
		audit:    p.Audit,
		metrics:  p.Metrics,
	}
}

func (s *service) Start(ctx context.Context, req domain.StartRequest) (*domain.StartResult, error) {
	entry, err := s.provider.Lookup(req.Provider)
	if err != nil {
		return nil, err
	}
	if req.Type == domain.FlowSignup && !entry.AllowSignUp {
		return nil, provider.ErrProviderNotFound
	}

	nonce, err := provider.NewNonce()
	if err != nil {
		return nil, err
	}
	verifier, err := provider.NewCodeVerifier()
	if err != nil {
		return nil, err
	}

	flow := &domain.ExternalLogin{
		ID:                s.genID.Generate(),
		Type:              req.Type,
		Provider:          strings.ToLower(strings.TrimSpace(req.Provider)),
		Nonce:             nonce,
		Result:            domain.ResultPending,
		PreferredTenantID: req.PreferredTenantID,
		CreatedAt:         s.clock.Now(),
	}
	if err := s.store.Create(ctx, flow); err != nil {
		return nil, fmt.Errorf("create flow: %w", err)
	}

	state, err := s.codec.SealState(flow.ID)
	if err != nil {
		return nil, err
	}
	cookie, err := s.codec.SealCookie(carrier.CookiePayload{
		FlowID:          flow.ID.String(),
		ReturnPath:      sanitizeReturnPath(req.ReturnPath),
		FingerprintHash: carrier.Fingerprint(req.UserAgent, req.AcceptLanguage),
		CodeVerifier:    verifier,
	})
	if err != nil {
		return nil, err
	}

	redirectURL, err := s.provider.AuthorizeURL(entry, req.RedirectURI, state, nonce, verifier)
	if err != nil {
		return nil, err
	}

	flowID := flow.ID.String()
	_ = s.audit.AuditLog(ctx, nil, auditdomain.ActorSystem, nil,
		"external_login.started", "external_login", &flowID,
		map[string]any{"provider": flow.Provider, "type": string(flow.Type)})

	return &domain.StartResult{
		RedirectURL: redirectURL,
		Cookie:      cookie,
		CookieTTL:   s.security.Current().FlowCookieTTL,
	}, nil
}

// Callback runs the callback checks in a fixed order; the first failing
// check decides the flow's terminal result.
func (s *service) Callback(ctx context.Context, req domain.CallbackRequest) (*domain.CallbackResult, error) {
	// A provider-reported error precedes all other checks. The flow id is
	// recovered best-effort so the flow can still be closed.
	if strings.TrimSpace(req.ProviderError) != "" {
		if flowID, err := s.codec.OpenState(req.State); err == nil {
			return s.fail(ctx, req, flowID, domain.ResultAuthenticationFailed), nil
		}
		return s.failWithoutFlow(ctx, req, domain.ResultAuthenticationFailed), nil
	}

	flowID, err := s.codec.OpenState(req.State)
	if err != nil {
		// No valid flow id is recoverable; nothing to mark terminal.
		return s.failWithoutFlow(ctx, req, domain.ResultInvalidRequest), nil
	}

	cookie, err := s.codec.OpenCookie(req.Cookie)
	if err != nil {
		return s.fail(ctx, req, flowID, domain.ResultAuthenticationFailed), nil
	}

	// The two carriers must agree on which flow this callback belongs to.
	if cookie.FlowID != flowID.String() {
		return s.fail(ctx, req, flowID, domain.ResultFlowIDMismatch), nil
	}

	flow, err := s.store.Get(ctx, flowID)
	if errors.Is(err, domain.ErrFlowNotFound) {
		return s.failWithoutFlow(ctx, req, domain.ResultInvalidRequest), nil
	}
	if err != nil {
		return nil, fmt.Errorf("load flow: %w", err)
	}

	// A used callback URL is never re-processed.
	if flow.Result != domain.ResultPending {
		return s.alreadyTerminal(ctx, req, flow), nil
	}

	if flow.Expired(s.clock.Now(), s.security.Current().FlowTTL) {
		return s.fail(ctx, req, flow.ID, domain.ResultLoginExpired), nil
	}

	entry, err := s.provider.Lookup(flow.Provider)
	if err != nil {
		return s.fail(ctx, req, flow.ID, domain.ResultAuthenticationFailed), nil
	}

	// Bind the callback to the browser that started the flow. Only an
	// explicitly mock provider skips this.
	if !entry.Mock {
		fingerprint := carrier.Fingerprint(req.UserAgent, req.AcceptLanguage)
		if subtle.ConstantTimeCompare([]byte(fingerprint), []byte(cookie.FingerprintHash)) != 1 {
			return s.fail(ctx, req, flow.ID, domain.ResultAuthenticationFailed), nil
		}
	}

	identity, err := s.provider.Exchange(ctx, entry, req.Code, req.RedirectURI, cookie.CodeVerifier)
	if err != nil {
		return s.fail(ctx, req, flow.ID, domain.ResultAuthenticationFailed), nil
	}
	if identity.Nonce == "" || subtle.ConstantTimeCompare([]byte(identity.Nonce), []byte(flow.Nonce)) != 1 {
		return s.fail(ctx, req, flow.ID, domain.ResultNonceMismatch), nil
	}

	user, result := s.resolveUser(ctx, flow, entry, identity)
	if result != "" {
		return s.fail(ctx, req, flow.ID, result), nil
	}

	return s.succeed(ctx, req, flow, user)
}

// resolveUser maps the asserted identity onto a local account. It returns a
// terminal result string when the flow cannot proceed.
func (s *service) resolveUser(ctx context.Context, flow *domain.ExternalLogin, entry config.ProviderEntry, identity provider.Identity) (*userdomain.User, string) {
	email := strings.ToLower(strings.TrimSpace(identity.Email))

	if flow.Type == domain.FlowSignup {
		provisioned, err := s.signup.Provision(ctx, signupdomain.Request{
			Email:         email,
			DisplayName:   identity.DisplayName,
			Provider:      flow.Provider,
			ExternalID:    identity.Subject,
			EmailVerified: identity.EmailVerified,
		})
		switch {
		case errors.Is(err, signupdomain.ErrAccountExists):
			return nil, domain.ResultAccountAlreadyExists
		case errors.Is(err, signupdomain.ErrInvalidRequest):
			return nil, domain.ResultInvalidRequest
		case err != nil:
			s.log.Error("signup provisioning failed", zap.Error(err), zap.Stringer("flow_id", flow.ID))
			return nil, domain.ResultAuthenticationFailed
		}
		return provisioned.User, ""
	}

	user, err := s.users.FindByIdentity(ctx, flow.Provider, identity.Subject)
	if err == nil {
		return user, ""
	}
	if !errors.Is(err, userdomain.ErrUserNotFound) {
		s.log.Error("identity lookup failed", zap.Error(err), zap.Stringer("flow_id", flow.ID))
		return nil, domain.ResultAuthenticationFailed
	}

	// First-time linking by verified email.
	if identity.EmailVerified {
		user, err = s.users.FindByEmail(ctx, email)
		if err == nil {
			if linkErr := s.users.LinkIdentity(ctx, &userdomain.Identity{
				ID:            s.genID.Generate(),
				UserID:        user.ID,
				Provider:      flow.Provider,
				ExternalID:    identity.Subject,
				EmailVerified: true,
			}); linkErr != nil && !errors.Is(linkErr, userdomain.ErrIdentityExists) {
				s.log.Error("identity linking failed", zap.Error(linkErr), zap.Stringer("flow_id", flow.ID))
				return nil, domain.ResultAuthenticationFailed
			}
			return user, ""
		}
		if !errors.Is(err, userdomain.ErrUserNotFound) {
			s.log.Error("email lookup failed", zap.Error(err), zap.Stringer("flow_id", flow.ID))
			return nil, domain.ResultAuthenticationFailed
		}
	}

	return nil, domain.ResultUserNotFound
}

func (s *service) succeed(ctx context.Context, req domain.CallbackRequest, flow *domain.ExternalLogin, user *userdomain.User) (*domain.CallbackResult, error) {
	// Completing the flow is the commit point: a concurrent callback that
	// lost this write is treated as a replayed one.
	won, err := s.store.Complete(ctx, flow.ID, domain.ResultSuccess, s.clock.Now())
	if err != nil {
		return nil, fmt.Errorf("complete flow: %w", err)
	}
	if !won {
		flow.Result = domain.ResultAuthenticationFailed
		return s.alreadyTerminal(ctx, req, flow), nil
	}

	tenantID := s.resolveTenant(ctx, user, flow.PreferredTenantID)
	session, err := s.sessions.Create(ctx, sessiondomain.CreateParams{
		TenantID:  tenantID,
		UserID:    user.ID,
		UserAgent: req.UserAgent,
		IPAddress: req.IPAddress,
		Method:    "external:" + flow.Provider,
	})
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	tokens, err := s.sessions.IssueTokens(ctx, session, user)
	if err != nil {
		return nil, fmt.Errorf("issue tokens: %w", err)
	}

	s.recordOutcome(ctx, req, flow.ID, flow.Provider, domain.ResultSuccess, &tenantID, &user.ID)

	returnPath := defaultReturnPath
	if cookie, err := s.codec.OpenCookie(req.Cookie); err == nil && cookie.ReturnPath != "" {
		returnPath = cookie.ReturnPath
	}

	return &domain.CallbackResult{
		RedirectURL: returnPath,
		Success:     true,
		Session:     session,
		Tokens:      tokens,
	}, nil
}

// resolveTenant honors a preferred tenant only when the user actually has
// access to it.
func (s *service) resolveTenant(ctx context.Context, user *userdomain.User, preferred *snowflake.ID) snowflake.ID {
	if preferred == nil || *preferred == user.TenantID {
		return user.TenantID
	}
	if _, err := s.tenants.FindMembership(ctx, *preferred, user.ID); err == nil {
		return *preferred
	}
	return user.TenantID
}

// fail records the terminal result on the flow and redirects to the error
// page with the coarse public code.
func (s *service) fail(ctx context.Context, req domain.CallbackRequest, flowID snowflake.ID, result string) *domain.CallbackResult {
	won, err := s.store.Complete(ctx, flowID, result, s.clock.Now())
	if err != nil {
		s.log.Error("complete flow", zap.Error(err), zap.Stringer("flow_id", flowID))
	}
	if won {
		s.recordOutcome(ctx, req, flowID, req.Provider, result, nil, nil)
	}
	return errorRedirect(result)
}

// failWithoutFlow handles the failure paths where no valid flow id could be
// recovered; there is no row to mark terminal.
func (s *service) failWithoutFlow(ctx context.Context, req domain.CallbackRequest, result string) *domain.CallbackResult {
	s.recordOutcome(ctx, req, 0, req.Provider, result, nil, nil)
	return errorRedirect(result)
}

// alreadyTerminal rejects a replayed callback without touching the stored
// result.
func (s *service) alreadyTerminal(ctx context.Context, req domain.CallbackRequest, flow *domain.ExternalLogin) *domain.CallbackResult {
	s.recordOutcome(ctx, req, flow.ID, flow.Provider, domain.ResultAuthenticationFailed, nil, nil)
	return errorRedirect(domain.ResultAuthenticationFailed)
}

func (s *service) recordOutcome(ctx context.Context, req domain.CallbackRequest, flowID snowflake.ID, providerName, result string, tenantID, userID *snowflake.ID) {
	s.metrics.RecordFlowOutcome(ctx, providerName, result)

	var targetID *string
	if flowID != 0 {
		id := flowID.String()
		targetID = &id
	}
	var actorID *string
	actorType := auditdomain.ActorSystem
	if userID != nil {
		id := userID.String()
		actorID = &id
		actorType = auditdomain.ActorUser
	}
	_ = s.audit.AuditLog(ctx, tenantID, actorType, actorID,
		"external_login."+strings.ToLower(result), "external_login", targetID,
		map[string]any{"provider": providerName, "result": result})

	if result != domain.ResultSuccess {
		s.log.Warn("external login failed",
			zap.String("provider", providerName),
			zap.String("result", result),
			zap.String("flow_id", flowIDString(flowID)),
		)
	}
}

func flowIDString(id snowflake.ID) string {
	if id == 0 {
		return ""
	}
	return id.String()
}

func errorRedirect(code string) *domain.CallbackResult {
	query := url.Values{}
	query.Set("code", code)
	return &domain.CallbackResult{
		RedirectURL: errorPagePath + "?" + query.Encode(),
		ErrorCode:   code,
	}
}

// sanitizeReturnPath accepts only same-site absolute paths.
func sanitizeReturnPath(raw string) string {
	path := strings.TrimSpace(raw)
	if path == "" || !strings.HasPrefix(path, "/") || strings.HasPrefix(path, "//") {
		return ""
	}
	if strings.ContainsAny(path, "\\\r\n") {
		return ""
	}
	return path
}
