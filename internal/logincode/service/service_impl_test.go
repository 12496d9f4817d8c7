package service

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	auditservice "github.com/keylinehq/keyline/internal/audit/service"
	"github.com/keylinehq/keyline/internal/clock"
	"github.com/keylinehq/keyline/internal/config"
	"github.com/keylinehq/keyline/internal/logincode/domain"
	"github.com/keylinehq/keyline/internal/logincode/hasher"
	coderepository "github.com/keylinehq/keyline/internal/logincode/repository"
	sessiondomain "github.com/keylinehq/keyline/internal/session/domain"
	sessionrepository "github.com/keylinehq/keyline/internal/session/repository"
	sessionservice "github.com/keylinehq/keyline/internal/session/service"
	"github.com/keylinehq/keyline/internal/sync"
	tenantdomain "github.com/keylinehq/keyline/internal/tenant/domain"
	tenantrepository "github.com/keylinehq/keyline/internal/tenant/repository"
	"github.com/keylinehq/keyline/internal/token"
	userdomain "github.com/keylinehq/keyline/internal/user/domain"
	userrepository "github.com/keylinehq/keyline/internal/user/repository"
	"github.com/keylinehq/keyline/pkg/db"
	"go.uber.org/zap"
)

var codePattern = regexp.MustCompile(`\d{6}`)

type captureEmail struct {
	to   string
	body string
}

func (c *captureEmail) Send(ctx context.Context, to, subject, htmlBody string) error {
	c.to = to
	c.body = htmlBody
	return nil
}

func (c *captureEmail) lastCode() string {
	return codePattern.FindString(c.body)
}

type fixture struct {
	svc   domain.Service
	email *captureEmail
	clock *clock.FakeClock
	user  *userdomain.User
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	dbConn, err := db.NewTest()
	if err != nil {
		t.Fatalf("failed to open db: %v", err)
	}
	if err := dbConn.AutoMigrate(
		&domain.LoginCode{},
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
	signer, err := token.NewSigner(config.Config{AuthSecret: "test-secret"}, clk)
	if err != nil {
		t.Fatalf("failed to create signer: %v", err)
	}
	holder := config.NewStaticSecurityConfigHolder(config.DefaultSecurityConfig())

	tenants := tenantrepository.New(dbConn)
	users := userrepository.New(dbConn)

	sessionSvc := sessionservice.New(sessionservice.Params{
		Log:      zap.NewNop(),
		GenID:    node,
		Clock:    clk,
		Signer:   signer,
		Store:    sessionrepository.New(dbConn),
		Tenants:  tenants,
		Users:    users,
		Security: holder,
		Hub:      sync.NewHub(),
		Audit:    auditservice.Noop(),
	})

	capture := &captureEmail{}
	svc := New(Params{
		Log:      zap.NewNop(),
		GenID:    node,
		Clock:    clk,
		Store:    coderepository.New(dbConn),
		Hasher:   hasher.NewArgon2(),
		Users:    users,
		Sessions: sessionSvc,
		Email:    capture,
		Security: holder,
		Audit:    auditservice.Noop(),
	})

	ctx := context.Background()
	tenant := &tenantdomain.Tenant{ID: node.Generate(), Name: "Acme", Slug: "acme"}
	if err := tenants.Create(ctx, tenant); err != nil {
		t.Fatalf("failed to create tenant: %v", err)
	}
	user := &userdomain.User{
		ID:       node.Generate(),
		TenantID: tenant.ID,
		Email:    "alice@example.com",
		Role:     tenantdomain.RoleMember,
	}
	if err := users.Create(ctx, user); err != nil {
		t.Fatalf("failed to create user: %v", err)
	}

	return &fixture{svc: svc, email: capture, clock: clk, user: user}
}

func TestStartAndCompleteMintsSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.svc.Start(ctx, domain.StartRequest{Email: "alice@example.com"}); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if f.email.to != "alice@example.com" {
		t.Fatalf("expected code mailed to alice, got %q", f.email.to)
	}
	code := f.email.lastCode()
	if code == "" {
		t.Fatal("expected a 6-digit code in the mail body")
	}

	result, err := f.svc.Complete(ctx, domain.CompleteRequest{
		Email:     "alice@example.com",
		Code:      code,
		UserAgent: "test-agent",
	})
	if err != nil {
		t.Fatalf("complete failed: %v", err)
	}
	if result.Session == nil || result.Session.UserID != f.user.ID {
		t.Fatal("expected session for alice")
	}
	if result.Tokens.AccessToken == "" || result.Tokens.RefreshToken == "" {
		t.Fatal("expected token pair")
	}
}

func TestStartUnknownAddressIsSilent(t *testing.T) {
	f := newFixture(t)

	if err := f.svc.Start(context.Background(), domain.StartRequest{Email: "ghost@example.com"}); err != nil {
		t.Fatalf("expected silent success, got %v", err)
	}
	if f.email.body != "" {
		t.Fatal("expected no mail for unknown address")
	}
}

func TestCompleteWrongCode(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.svc.Start(ctx, domain.StartRequest{Email: "alice@example.com"}); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	_, err := f.svc.Complete(ctx, domain.CompleteRequest{Email: "alice@example.com", Code: "000000"})
	if !errors.Is(err, domain.ErrCodeInvalid) {
		t.Fatalf("expected ErrCodeInvalid, got %v", err)
	}
}

func TestCompleteSingleUse(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.svc.Start(ctx, domain.StartRequest{Email: "alice@example.com"}); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	code := f.email.lastCode()

	if _, err := f.svc.Complete(ctx, domain.CompleteRequest{Email: "alice@example.com", Code: code}); err != nil {
		t.Fatalf("complete failed: %v", err)
	}
	_, err := f.svc.Complete(ctx, domain.CompleteRequest{Email: "alice@example.com", Code: code})
	if !errors.Is(err, domain.ErrCodeInvalid) {
		t.Fatalf("expected ErrCodeInvalid on reuse, got %v", err)
	}
}

func TestCompleteExpiredCode(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.svc.Start(ctx, domain.StartRequest{Email: "alice@example.com"}); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	code := f.email.lastCode()

	f.clock.Advance(config.DefaultSecurityConfig().LoginCodeTTL + time.Minute)

	_, err := f.svc.Complete(ctx, domain.CompleteRequest{Email: "alice@example.com", Code: code})
	if !errors.Is(err, domain.ErrCodeInvalid) {
		t.Fatalf("expected ErrCodeInvalid for expired code, got %v", err)
	}
}

func TestCompleteAttemptsBounded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.svc.Start(ctx, domain.StartRequest{Email: "alice@example.com"}); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	code := f.email.lastCode()

	for i := 0; i < domain.MaxAttempts; i++ {
		if _, err := f.svc.Complete(ctx, domain.CompleteRequest{Email: "alice@example.com", Code: "999999"}); !errors.Is(err, domain.ErrCodeInvalid) {
			t.Fatalf("expected ErrCodeInvalid, got %v", err)
		}
	}

	// Even the right code is refused once the budget is spent.
	_, err := f.svc.Complete(ctx, domain.CompleteRequest{Email: "alice@example.com", Code: code})
	if !errors.Is(err, domain.ErrTooManyAttempts) {
		t.Fatalf("expected ErrTooManyAttempts, got %v", err)
	}
}
