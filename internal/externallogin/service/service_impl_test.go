package service

import (
	"context"
	"encoding/base64"
	"net/url"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	auditservice "github.com/keylinehq/keyline/internal/audit/service"
	"github.com/keylinehq/keyline/internal/clock"
	"github.com/keylinehq/keyline/internal/config"
	"github.com/keylinehq/keyline/internal/externallogin/carrier"
	"github.com/keylinehq/keyline/internal/externallogin/domain"
	"github.com/keylinehq/keyline/internal/externallogin/provider"
	flowrepository "github.com/keylinehq/keyline/internal/externallogin/repository"
	sessiondomain "github.com/keylinehq/keyline/internal/session/domain"
	sessionrepository "github.com/keylinehq/keyline/internal/session/repository"
	sessionservice "github.com/keylinehq/keyline/internal/session/service"
	signupservice "github.com/keylinehq/keyline/internal/signup/service"
	"github.com/keylinehq/keyline/internal/sync"
	tenantdomain "github.com/keylinehq/keyline/internal/tenant/domain"
	tenantrepository "github.com/keylinehq/keyline/internal/tenant/repository"
	"github.com/keylinehq/keyline/internal/token"
	userdomain "github.com/keylinehq/keyline/internal/user/domain"
	userrepository "github.com/keylinehq/keyline/internal/user/repository"
	"github.com/keylinehq/keyline/pkg/db"
	"go.uber.org/zap"
)

const (
	testUserAgent = "test-agent"
	testLanguage  = "en-US"
)

type fixture struct {
	svc      domain.Service
	store    domain.Store
	codec    *carrier.Codec
	clock    *clock.FakeClock
	node     *snowflake.Node
	tenants  tenantdomain.Repository
	users    userdomain.Repository
	sessions sessiondomain.Store
	security config.SecurityConfig
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	dbConn, err := db.NewTest()
	if err != nil {
		t.Fatalf("failed to open db: %v", err)
	}
	if err := dbConn.AutoMigrate(
		&domain.ExternalLogin{},
		&sessiondomain.Session{},
		&tenantdomain.Tenant{},
		&tenantdomain.Membership{},
		&userdomain.User{},
		&userdomain.Identity{},
	); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("failed to create snowflake node: %v", err)
	}
	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))

	appCfg := config.Config{AuthSecret: "test-secret"}
	signer, err := token.NewSigner(appCfg, clk)
	if err != nil {
		t.Fatalf("failed to create signer: %v", err)
	}
	codec, err := carrier.New(appCfg)
	if err != nil {
		t.Fatalf("failed to create codec: %v", err)
	}

	securityCfg := config.DefaultSecurityConfig()
	securityCfg.Providers = map[string]config.ProviderEntry{
		"mock": {
			Type:        "mock",
			Enabled:     true,
			AllowSignUp: true,
			AuthURL:     "https://mock.example/authorize",
			Mock:        true,
		},
		"strict": {
			Type:        "oauth2",
			Enabled:     true,
			ClientID:    "client",
			AuthURL:     "https://strict.example/authorize",
			TokenURL:    "https://strict.example/token",
			UserInfoURL: "https://strict.example/userinfo",
		},
	}
	holder := config.NewStaticSecurityConfigHolder(securityCfg)

	tenants := tenantrepository.New(dbConn)
	users := userrepository.New(dbConn)
	sessions := sessionrepository.New(dbConn)

	sessionSvc := sessionservice.New(sessionservice.Params{
		Log:      zap.NewNop(),
		GenID:    node,
		Clock:    clk,
		Signer:   signer,
		Store:    sessions,
		Tenants:  tenants,
		Users:    users,
		Security: holder,
		Hub:      sync.NewHub(),
		Audit:    auditservice.Noop(),
	})
	signupSvc := signupservice.New(signupservice.Params{
		Log:     zap.NewNop(),
		DB:      dbConn,
		GenID:   node,
		Tenants: tenants,
		Users:   users,
	})

	svc := New(Params{
		Log:      zap.NewNop(),
		GenID:    node,
		Clock:    clk,
		Store:    flowrepository.New(dbConn),
		Codec:    codec,
		Provider: provider.NewClient(holder),
		Security: holder,
		Users:    users,
		Tenants:  tenants,
		Sessions: sessionSvc,
		Signup:   signupSvc,
		Audit:    auditservice.Noop(),
	})

	return &fixture{
		svc:      svc,
		store:    flowrepository.New(dbConn),
		codec:    codec,
		clock:    clk,
		node:     node,
		tenants:  tenants,
		users:    users,
		sessions: sessions,
		security: securityCfg,
	}
}

func (f *fixture) seedUser(t *testing.T, email, providerName, externalID string) *userdomain.User {
	t.Helper()
	ctx := context.Background()

	tenant := &tenantdomain.Tenant{ID: f.node.Generate(), Name: "Seed " + email, Slug: "seed-" + f.node.Generate().String()}
	if err := f.tenants.Create(ctx, tenant); err != nil {
		t.Fatalf("failed to create tenant: %v", err)
	}
	user := &userdomain.User{
		ID:       f.node.Generate(),
		TenantID: tenant.ID,
		Email:    email,
		Role:     tenantdomain.RoleMember,
	}
	if err := f.users.Create(ctx, user); err != nil {
		t.Fatalf("failed to create user: %v", err)
	}
	if providerName != "" {
		if err := f.users.LinkIdentity(ctx, &userdomain.Identity{
			ID:            f.node.Generate(),
			UserID:        user.ID,
			Provider:      providerName,
			ExternalID:    externalID,
			EmailVerified: true,
		}); err != nil {
			t.Fatalf("failed to link identity: %v", err)
		}
	}
	return user
}

type startedFlow struct {
	flow   *domain.ExternalLogin
	state  string
	cookie string
}

func (f *fixture) startFlow(t *testing.T, providerName string, flowType domain.FlowType, returnPath string) *startedFlow {
	t.Helper()

	result, err := f.svc.Start(context.Background(), domain.StartRequest{
		Provider:       providerName,
		Type:           flowType,
		ReturnPath:     returnPath,
		UserAgent:      testUserAgent,
		AcceptLanguage: testLanguage,
		RedirectURI:    "https://app.example/callback",
	})
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}

	parsed, err := url.Parse(result.RedirectURL)
	if err != nil {
		t.Fatalf("bad redirect url: %v", err)
	}
	state := parsed.Query().Get("state")
	if state == "" {
		t.Fatal("expected state parameter in redirect")
	}

	flowID, err := f.codec.OpenState(state)
	if err != nil {
		t.Fatalf("failed to open state: %v", err)
	}
	flow, err := f.store.Get(context.Background(), flowID)
	if err != nil {
		t.Fatalf("failed to load flow: %v", err)
	}
	if flow.Result != domain.ResultPending {
		t.Fatalf("expected pending flow, got %s", flow.Result)
	}

	return &startedFlow{flow: flow, state: state, cookie: result.Cookie}
}

func (f *fixture) mockCode(identity provider.Identity, nonce string) string {
	identity.Nonce = nonce
	return provider.EncodeMockCode(identity)
}

func (f *fixture) callback(t *testing.T, started *startedFlow, code string) *domain.CallbackResult {
	t.Helper()

	result, err := f.svc.Callback(context.Background(), domain.CallbackRequest{
		Provider:       started.flow.Provider,
		Type:           started.flow.Type,
		Code:           code,
		State:          started.state,
		Cookie:         started.cookie,
		UserAgent:      testUserAgent,
		AcceptLanguage: testLanguage,
		RedirectURI:    "https://app.example/callback",
	})
	if err != nil {
		t.Fatalf("callback failed: %v", err)
	}
	return result
}

func (f *fixture) flowResult(t *testing.T, id snowflake.ID) string {
	t.Helper()
	flow, err := f.store.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("failed to load flow: %v", err)
	}
	return flow.Result
}

func TestLoginCallbackSuccess(t *testing.T) {
	f := newFixture(t)
	user := f.seedUser(t, "alice@example.com", "mock", "mock-sub-1")
	started := f.startFlow(t, "mock", domain.FlowLogin, "/dashboard")

	code := f.mockCode(provider.Identity{Subject: "mock-sub-1", Email: user.Email, EmailVerified: true}, started.flow.Nonce)
	result := f.callback(t, started, code)

	if !result.Success {
		t.Fatalf("expected success, got error code %s", result.ErrorCode)
	}
	if result.RedirectURL != "/dashboard" {
		t.Fatalf("expected redirect to /dashboard, got %s", result.RedirectURL)
	}
	if result.Tokens.AccessToken == "" || result.Tokens.RefreshToken == "" {
		t.Fatal("expected token pair")
	}
	if result.Session == nil || result.Session.UserID != user.ID {
		t.Fatal("expected session for the matched user")
	}
	if got := f.flowResult(t, started.flow.ID); got != domain.ResultSuccess {
		t.Fatalf("expected Success recorded, got %s", got)
	}
}

func TestCallbackReplayRejected(t *testing.T) {
	f := newFixture(t)
	user := f.seedUser(t, "alice@example.com", "mock", "mock-sub-1")
	started := f.startFlow(t, "mock", domain.FlowLogin, "/")

	code := f.mockCode(provider.Identity{Subject: "mock-sub-1", Email: user.Email, EmailVerified: true}, started.flow.Nonce)
	first := f.callback(t, started, code)
	if !first.Success {
		t.Fatalf("expected first callback to succeed, got %s", first.ErrorCode)
	}

	// An identical, individually valid callback must never re-succeed.
	second := f.callback(t, started, code)
	if second.Success {
		t.Fatal("expected replayed callback to fail")
	}
	if second.ErrorCode != domain.ResultAuthenticationFailed {
		t.Fatalf("expected AuthenticationFailed, got %s", second.ErrorCode)
	}
	if got := f.flowResult(t, started.flow.ID); got != domain.ResultSuccess {
		t.Fatalf("expected stored result to stay Success, got %s", got)
	}

	sessions, err := f.sessions.ListByUser(context.Background(), user.ID)
	if err != nil {
		t.Fatalf("failed to list sessions: %v", err)
	}
	if len(sessions) != 1 {
		t.Fatalf("expected exactly one session, got %d", len(sessions))
	}
}

func TestCrossFlowIsolation(t *testing.T) {
	f := newFixture(t)
	user := f.seedUser(t, "alice@example.com", "mock", "mock-sub-1")
	first := f.startFlow(t, "mock", domain.FlowLogin, "/")
	second := f.startFlow(t, "mock", domain.FlowLogin, "/")

	// State from one browser context, cookie from another.
	mixed := &startedFlow{flow: first.flow, state: first.state, cookie: second.cookie}
	code := f.mockCode(provider.Identity{Subject: "mock-sub-1", Email: user.Email, EmailVerified: true}, first.flow.Nonce)
	result := f.callback(t, mixed, code)

	if result.Success {
		t.Fatal("expected mismatched carriers to fail")
	}
	if result.ErrorCode != domain.ResultFlowIDMismatch {
		t.Fatalf("expected FlowIdMismatch, got %s", result.ErrorCode)
	}
	if got := f.flowResult(t, first.flow.ID); got != domain.ResultFlowIDMismatch {
		t.Fatalf("expected FlowIdMismatch recorded, got %s", got)
	}
}

func TestExpiredFlow(t *testing.T) {
	f := newFixture(t)
	user := f.seedUser(t, "alice@example.com", "mock", "mock-sub-1")
	started := f.startFlow(t, "mock", domain.FlowLogin, "/")

	f.clock.Advance(f.security.FlowTTL + time.Second)

	code := f.mockCode(provider.Identity{Subject: "mock-sub-1", Email: user.Email, EmailVerified: true}, started.flow.Nonce)
	result := f.callback(t, started, code)

	if result.Success {
		t.Fatal("expected expired flow to fail")
	}
	if result.ErrorCode != domain.ResultLoginExpired {
		t.Fatalf("expected LoginExpired, got %s", result.ErrorCode)
	}

	sessions, err := f.sessions.ListByUser(context.Background(), user.ID)
	if err != nil {
		t.Fatalf("failed to list sessions: %v", err)
	}
	if len(sessions) != 0 {
		t.Fatalf("expected no session, got %d", len(sessions))
	}
}

func TestTamperedCookie(t *testing.T) {
	f := newFixture(t)
	user := f.seedUser(t, "alice@example.com", "mock", "mock-sub-1")
	started := f.startFlow(t, "mock", domain.FlowLogin, "/")

	bytes, err := base64.RawURLEncoding.DecodeString(started.cookie)
	if err != nil {
		t.Fatalf("failed to decode cookie: %v", err)
	}
	bytes[len(bytes)-1] ^= 0x01
	started.cookie = base64.RawURLEncoding.EncodeToString(bytes)

	code := f.mockCode(provider.Identity{Subject: "mock-sub-1", Email: user.Email, EmailVerified: true}, started.flow.Nonce)
	result := f.callback(t, started, code)

	if result.Success {
		t.Fatal("expected tampered cookie to fail")
	}
	if result.ErrorCode != domain.ResultAuthenticationFailed {
		t.Fatalf("expected AuthenticationFailed, got %s", result.ErrorCode)
	}
	if got := f.flowResult(t, started.flow.ID); got != domain.ResultAuthenticationFailed {
		t.Fatalf("expected AuthenticationFailed recorded, got %s", got)
	}
}

func TestUndecryptableStateLeavesFlowPending(t *testing.T) {
	f := newFixture(t)
	f.seedUser(t, "alice@example.com", "mock", "mock-sub-1")
	started := f.startFlow(t, "mock", domain.FlowLogin, "/")

	tampered := &startedFlow{flow: started.flow, state: "garbage-state", cookie: started.cookie}
	result := f.callback(t, tampered, "irrelevant")

	if result.Success {
		t.Fatal("expected bad state to fail")
	}
	if result.ErrorCode != domain.ResultInvalidRequest {
		t.Fatalf("expected InvalidRequest, got %s", result.ErrorCode)
	}
	// The flow id was never recovered, so the row stays untouched.
	if got := f.flowResult(t, started.flow.ID); got != domain.ResultPending {
		t.Fatalf("expected Pending, got %s", got)
	}
}

func TestNonceMismatch(t *testing.T) {
	f := newFixture(t)
	user := f.seedUser(t, "alice@example.com", "mock", "mock-sub-1")
	started := f.startFlow(t, "mock", domain.FlowLogin, "/")

	code := f.mockCode(provider.Identity{Subject: "mock-sub-1", Email: user.Email, EmailVerified: true}, "wrong-nonce")
	result := f.callback(t, started, code)

	if result.ErrorCode != domain.ResultNonceMismatch {
		t.Fatalf("expected NonceMismatch, got %s", result.ErrorCode)
	}
	if got := f.flowResult(t, started.flow.ID); got != domain.ResultNonceMismatch {
		t.Fatalf("expected NonceMismatch recorded, got %s", got)
	}
}

func TestProviderErrorPrecedesOtherChecks(t *testing.T) {
	f := newFixture(t)
	user := f.seedUser(t, "alice@example.com", "mock", "mock-sub-1")
	started := f.startFlow(t, "mock", domain.FlowLogin, "/")

	code := f.mockCode(provider.Identity{Subject: "mock-sub-1", Email: user.Email, EmailVerified: true}, started.flow.Nonce)
	result, err := f.svc.Callback(context.Background(), domain.CallbackRequest{
		Provider:       "mock",
		Code:           code,
		State:          started.state,
		ProviderError:  "access_denied",
		Cookie:         started.cookie,
		UserAgent:      testUserAgent,
		AcceptLanguage: testLanguage,
	})
	if err != nil {
		t.Fatalf("callback failed: %v", err)
	}

	if result.Success {
		t.Fatal("expected provider error to fail the flow")
	}
	if result.ErrorCode != domain.ResultAuthenticationFailed {
		t.Fatalf("expected AuthenticationFailed, got %s", result.ErrorCode)
	}
	if got := f.flowResult(t, started.flow.ID); got != domain.ResultAuthenticationFailed {
		t.Fatalf("expected AuthenticationFailed recorded, got %s", got)
	}
}

func TestFingerprintMismatch(t *testing.T) {
	f := newFixture(t)
	started := f.startFlow(t, "strict", domain.FlowLogin, "/")

	result, err := f.svc.Callback(context.Background(), domain.CallbackRequest{
		Provider:       "strict",
		Code:           "some-code",
		State:          started.state,
		Cookie:         started.cookie,
		UserAgent:      "different-agent",
		AcceptLanguage: testLanguage,
	})
	if err != nil {
		t.Fatalf("callback failed: %v", err)
	}

	if result.ErrorCode != domain.ResultAuthenticationFailed {
		t.Fatalf("expected AuthenticationFailed, got %s", result.ErrorCode)
	}
	if got := f.flowResult(t, started.flow.ID); got != domain.ResultAuthenticationFailed {
		t.Fatalf("expected AuthenticationFailed recorded, got %s", got)
	}
}

func TestLoginUnknownUser(t *testing.T) {
	f := newFixture(t)
	started := f.startFlow(t, "mock", domain.FlowLogin, "/")

	code := f.mockCode(provider.Identity{Subject: "ghost", Email: "ghost@example.com", EmailVerified: true}, started.flow.Nonce)
	result := f.callback(t, started, code)

	if result.ErrorCode != domain.ResultUserNotFound {
		t.Fatalf("expected UserNotFound, got %s", result.ErrorCode)
	}
}

func TestLoginLinksVerifiedEmail(t *testing.T) {
	f := newFixture(t)
	user := f.seedUser(t, "alice@example.com", "", "")
	started := f.startFlow(t, "mock", domain.FlowLogin, "/")

	code := f.mockCode(provider.Identity{Subject: "mock-new-sub", Email: user.Email, EmailVerified: true}, started.flow.Nonce)
	result := f.callback(t, started, code)

	if !result.Success {
		t.Fatalf("expected success, got %s", result.ErrorCode)
	}
	linked, err := f.users.FindByIdentity(context.Background(), "mock", "mock-new-sub")
	if err != nil {
		t.Fatalf("expected identity linked: %v", err)
	}
	if linked.ID != user.ID {
		t.Fatal("expected identity linked to the existing user")
	}
}

func TestLoginUnverifiedEmailDoesNotLink(t *testing.T) {
	f := newFixture(t)
	user := f.seedUser(t, "alice@example.com", "", "")
	started := f.startFlow(t, "mock", domain.FlowLogin, "/")

	code := f.mockCode(provider.Identity{Subject: "mock-new-sub", Email: user.Email, EmailVerified: false}, started.flow.Nonce)
	result := f.callback(t, started, code)

	if result.ErrorCode != domain.ResultUserNotFound {
		t.Fatalf("expected UserNotFound, got %s", result.ErrorCode)
	}
}

func TestSignupProvisionsTenantOwner(t *testing.T) {
	f := newFixture(t)
	started := f.startFlow(t, "mock", domain.FlowSignup, "/welcome")

	code := f.mockCode(provider.Identity{
		Subject:       "mock-founder",
		Email:         "founder@example.com",
		DisplayName:   "Founder",
		EmailVerified: true,
	}, started.flow.Nonce)
	result := f.callback(t, started, code)

	if !result.Success {
		t.Fatalf("expected success, got %s", result.ErrorCode)
	}
	if result.RedirectURL != "/welcome" {
		t.Fatalf("expected redirect to /welcome, got %s", result.RedirectURL)
	}

	user, err := f.users.FindByEmail(context.Background(), "founder@example.com")
	if err != nil {
		t.Fatalf("expected provisioned user: %v", err)
	}
	if user.Role != tenantdomain.RoleOwner {
		t.Fatalf("expected owner role, got %s", user.Role)
	}
	if result.Session.TenantID != user.TenantID {
		t.Fatal("expected session in the provisioned tenant")
	}
}

func TestSignupExistingAccount(t *testing.T) {
	f := newFixture(t)
	user := f.seedUser(t, "taken@example.com", "mock", "mock-taken")
	started := f.startFlow(t, "mock", domain.FlowSignup, "/")

	code := f.mockCode(provider.Identity{Subject: "other-sub", Email: user.Email, EmailVerified: true}, started.flow.Nonce)
	result := f.callback(t, started, code)

	if result.ErrorCode != domain.ResultAccountAlreadyExists {
		t.Fatalf("expected AccountAlreadyExists, got %s", result.ErrorCode)
	}
}

func TestStartUnknownProvider(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Start(context.Background(), domain.StartRequest{
		Provider: "nope",
		Type:     domain.FlowLogin,
	})
	if err == nil {
		t.Fatal("expected error for unknown provider")
	}
}

func TestErrorRedirectCarriesCoarseCodeOnly(t *testing.T) {
	f := newFixture(t)
	f.startFlow(t, "mock", domain.FlowLogin, "/")

	result, err := f.svc.Callback(context.Background(), domain.CallbackRequest{
		Provider: "mock",
		State:    "garbage",
		Cookie:   "garbage",
	})
	if err != nil {
		t.Fatalf("callback failed: %v", err)
	}

	parsed, err := url.Parse(result.RedirectURL)
	if err != nil {
		t.Fatalf("bad redirect url: %v", err)
	}
	if parsed.Path != "/login/error" {
		t.Fatalf("expected error page, got %s", parsed.Path)
	}
	query := parsed.Query()
	if query.Get("code") != domain.ResultInvalidRequest {
		t.Fatalf("expected code InvalidRequest, got %s", query.Get("code"))
	}
	if len(query) != 1 {
		t.Fatalf("expected only the coarse code, got %v", query)
	}
}
