package authorization

import (
	"context"
	"errors"
	"testing"

	"github.com/bwmarrin/snowflake"
	tenantdomain "github.com/keylinehq/keyline/internal/tenant/domain"
	tenantrepository "github.com/keylinehq/keyline/internal/tenant/repository"
	"github.com/keylinehq/keyline/pkg/db"
	"go.uber.org/zap"
)

type fixture struct {
	svc     Service
	tenants tenantdomain.Repository
	node    *snowflake.Node
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	dbConn, err := db.NewTest()
	if err != nil {
		t.Fatalf("failed to open db: %v", err)
	}
	if err := dbConn.AutoMigrate(&tenantdomain.Tenant{}, &tenantdomain.Membership{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	enforcer, err := NewEnforcer(dbConn)
	if err != nil {
		t.Fatalf("failed to create enforcer: %v", err)
	}
	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("failed to create snowflake node: %v", err)
	}
	tenants := tenantrepository.New(dbConn)

	svc := NewService(Params{
		Log:      zap.NewNop(),
		Enforcer: enforcer,
		Tenants:  tenants,
	})
	return &fixture{svc: svc, tenants: tenants, node: node}
}

func (f *fixture) member(t *testing.T, role string) (tenantID, userID snowflake.ID) {
	t.Helper()
	ctx := context.Background()

	tenant := &tenantdomain.Tenant{ID: f.node.Generate(), Name: "T", Slug: "t-" + f.node.Generate().String()}
	if err := f.tenants.Create(ctx, tenant); err != nil {
		t.Fatalf("failed to create tenant: %v", err)
	}
	user := f.node.Generate()
	if err := f.tenants.CreateMembership(ctx, &tenantdomain.Membership{
		ID:       f.node.Generate(),
		TenantID: tenant.ID,
		UserID:   user,
		Role:     role,
	}); err != nil {
		t.Fatalf("failed to create membership: %v", err)
	}
	return tenant.ID, user
}

func TestMemberMayRevokeOwnSessions(t *testing.T) {
	f := newFixture(t)
	tenantID, userID := f.member(t, tenantdomain.RoleMember)

	if err := f.svc.Authorize(context.Background(), userID, tenantID, ObjectSession, ActionSessionRevoke); err != nil {
		t.Fatalf("expected member allowed, got %v", err)
	}
}

func TestMemberMayNotViewAuditLog(t *testing.T) {
	f := newFixture(t)
	tenantID, userID := f.member(t, tenantdomain.RoleMember)

	err := f.svc.Authorize(context.Background(), userID, tenantID, ObjectAuditLog, ActionAuditLogView)
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
}

func TestAdminMayViewAuditLog(t *testing.T) {
	f := newFixture(t)
	tenantID, userID := f.member(t, tenantdomain.RoleAdmin)

	if err := f.svc.Authorize(context.Background(), userID, tenantID, ObjectAuditLog, ActionAuditLogView); err != nil {
		t.Fatalf("expected admin allowed, got %v", err)
	}
}

func TestNonMemberForbidden(t *testing.T) {
	f := newFixture(t)
	tenantID, _ := f.member(t, tenantdomain.RoleOwner)

	err := f.svc.Authorize(context.Background(), f.node.Generate(), tenantID, ObjectSession, ActionSessionView)
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
}

func TestRoleScopedToTenant(t *testing.T) {
	f := newFixture(t)
	_, ownerID := f.member(t, tenantdomain.RoleOwner)
	otherTenant, _ := f.member(t, tenantdomain.RoleMember)

	// Owner of one tenant has no standing in another.
	err := f.svc.Authorize(context.Background(), ownerID, otherTenant, ObjectSession, ActionSessionView)
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
}
