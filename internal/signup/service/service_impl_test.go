package service

import (
	"context"
	"errors"
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/keylinehq/keyline/internal/signup/domain"
	tenantdomain "github.com/keylinehq/keyline/internal/tenant/domain"
	tenantrepository "github.com/keylinehq/keyline/internal/tenant/repository"
	userdomain "github.com/keylinehq/keyline/internal/user/domain"
	userrepository "github.com/keylinehq/keyline/internal/user/repository"
	"github.com/keylinehq/keyline/pkg/db"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func newTestService(t *testing.T) (domain.Service, tenantdomain.Repository, userdomain.Repository, *gorm.DB) {
	t.Helper()

	dbConn, err := db.NewTest()
	if err != nil {
		t.Fatalf("failed to open db: %v", err)
	}
	if err := dbConn.AutoMigrate(
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
	tenants := tenantrepository.New(dbConn)
	users := userrepository.New(dbConn)

	svc := New(Params{
		Log:     zap.NewNop(),
		DB:      dbConn,
		GenID:   node,
		Tenants: tenants,
		Users:   users,
	})
	return svc, tenants, users, dbConn
}

func TestProvisionCreatesTenantOwner(t *testing.T) {
	svc, tenants, users, _ := newTestService(t)
	ctx := context.Background()

	result, err := svc.Provision(ctx, domain.Request{
		Email:         "founder@example.com",
		DisplayName:   "Founder",
		TenantName:    "Acme Rockets",
		Provider:      "google",
		ExternalID:    "google-sub-1",
		EmailVerified: true,
	})
	if err != nil {
		t.Fatalf("provision failed: %v", err)
	}

	if result.User.Role != tenantdomain.RoleOwner {
		t.Fatalf("expected owner role, got %s", result.User.Role)
	}

	tenant, err := tenants.Get(ctx, result.User.TenantID)
	if err != nil {
		t.Fatalf("failed to load tenant: %v", err)
	}
	if tenant.Slug != "acme-rockets" {
		t.Fatalf("expected slug acme-rockets, got %s", tenant.Slug)
	}

	membership, err := tenants.FindMembership(ctx, tenant.ID, result.User.ID)
	if err != nil {
		t.Fatalf("failed to load membership: %v", err)
	}
	if membership.Role != tenantdomain.RoleOwner {
		t.Fatalf("expected owner membership, got %s", membership.Role)
	}

	linked, err := users.FindByIdentity(ctx, "google", "google-sub-1")
	if err != nil {
		t.Fatalf("failed to resolve identity: %v", err)
	}
	if linked.ID != result.User.ID {
		t.Fatal("expected identity linked to provisioned user")
	}
}

func TestProvisionRejectsExistingEmail(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	ctx := context.Background()

	if _, err := svc.Provision(ctx, domain.Request{Email: "dup@example.com", TenantName: "First"}); err != nil {
		t.Fatalf("provision failed: %v", err)
	}

	_, err := svc.Provision(ctx, domain.Request{Email: "dup@example.com", TenantName: "Second"})
	if !errors.Is(err, domain.ErrAccountExists) {
		t.Fatalf("expected ErrAccountExists, got %v", err)
	}
}

func TestProvisionRejectsExistingIdentity(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	ctx := context.Background()

	if _, err := svc.Provision(ctx, domain.Request{
		Email:      "one@example.com",
		Provider:   "github",
		ExternalID: "gh-1",
	}); err != nil {
		t.Fatalf("provision failed: %v", err)
	}

	_, err := svc.Provision(ctx, domain.Request{
		Email:      "two@example.com",
		Provider:   "github",
		ExternalID: "gh-1",
	})
	if !errors.Is(err, domain.ErrAccountExists) {
		t.Fatalf("expected ErrAccountExists, got %v", err)
	}
}

func TestProvisionDisambiguatesSlug(t *testing.T) {
	svc, tenants, _, _ := newTestService(t)
	ctx := context.Background()

	first, err := svc.Provision(ctx, domain.Request{Email: "a@example.com", TenantName: "Acme"})
	if err != nil {
		t.Fatalf("provision failed: %v", err)
	}
	second, err := svc.Provision(ctx, domain.Request{Email: "b@example.com", TenantName: "Acme"})
	if err != nil {
		t.Fatalf("provision failed: %v", err)
	}

	firstTenant, err := tenants.Get(ctx, first.User.TenantID)
	if err != nil {
		t.Fatalf("failed to load tenant: %v", err)
	}
	secondTenant, err := tenants.Get(ctx, second.User.TenantID)
	if err != nil {
		t.Fatalf("failed to load tenant: %v", err)
	}
	if firstTenant.Slug == secondTenant.Slug {
		t.Fatalf("expected distinct slugs, both %s", firstTenant.Slug)
	}
}

func TestProvisionRejectsBadEmail(t *testing.T) {
	svc, _, _, _ := newTestService(t)

	_, err := svc.Provision(context.Background(), domain.Request{Email: "not-an-email"})
	if !errors.Is(err, domain.ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
}

func TestProvisionRollsBackPartialWrites(t *testing.T) {
	svc, tenants, users, dbConn := newTestService(t)
	ctx := context.Background()

	// Make the membership insert fail after tenant and user succeeded.
	if err := dbConn.Migrator().DropTable(&tenantdomain.Membership{}); err != nil {
		t.Fatalf("failed to drop table: %v", err)
	}

	_, err := svc.Provision(ctx, domain.Request{Email: "retry@example.com", TenantName: "Retry Co"})
	if err == nil {
		t.Fatal("expected provision to fail without memberships table")
	}

	if _, err := users.FindByEmail(ctx, "retry@example.com"); !errors.Is(err, userdomain.ErrUserNotFound) {
		t.Fatalf("expected user row rolled back, got %v", err)
	}
	if taken, err := tenants.SlugTaken(ctx, "retry-co"); err != nil {
		t.Fatalf("failed to check slug: %v", err)
	} else if taken {
		t.Fatal("expected tenant row rolled back")
	}

	if err := dbConn.AutoMigrate(&tenantdomain.Membership{}); err != nil {
		t.Fatalf("failed to restore table: %v", err)
	}

	result, err := svc.Provision(ctx, domain.Request{Email: "retry@example.com", TenantName: "Retry Co"})
	if err != nil {
		t.Fatalf("retry after transient failure should succeed, got %v", err)
	}
	if result.User.Email != "retry@example.com" {
		t.Fatalf("unexpected user email %s", result.User.Email)
	}
}
