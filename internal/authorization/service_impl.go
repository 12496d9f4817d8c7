// Package authorization enforces tenant-scoped role permissions with casbin.
package authorization

import (
	"context"
	_ "embed"
	"errors"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
	gormadapter "github.com/casbin/gorm-adapter/v3"
	auditdomain "github.com/keylinehq/keyline/internal/audit/domain"
	"github.com/keylinehq/keyline/internal/cache"
	tenantdomain "github.com/keylinehq/keyline/internal/tenant/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

//go:embed model.conf
var modelText string

var (
	ErrInvalidActor  = errors.New("invalid actor")
	ErrInvalidTenant = errors.New("invalid tenant")
	ErrForbidden     = errors.New("forbidden")
)

// Objects and actions the session engine gates on.
const (
	ObjectSession  = "session"
	ObjectAuditLog = "audit_log"
	ObjectTenant   = "tenant"

	ActionSessionView   = "session.view"
	ActionSessionRevoke = "session.revoke"
	ActionAuditLogView  = "audit_log.view"
	ActionTenantManage  = "tenant.manage"
)

var Module = fx.Module("authorization",
	fx.Provide(NewEnforcer),
	fx.Provide(NewService),
)

// Service answers "may this actor perform this action on this object inside
// this tenant".
type Service interface {
	Authorize(ctx context.Context, userID, tenantID snowflake.ID, object, action string) error
}

type Params struct {
	fx.In

	Log      *zap.Logger
	Enforcer *casbin.SyncedEnforcer
	Tenants  tenantdomain.Repository
	Roles    cache.RoleCache     `optional:"true"`
	Audit    auditdomain.Service `optional:"true"`
}

type service struct {
	log      *zap.Logger
	enforcer *casbin.SyncedEnforcer
	tenants  tenantdomain.Repository
	roles    cache.RoleCache
	audit    auditdomain.Service
}

func NewEnforcer(db *gorm.DB) (*casbin.SyncedEnforcer, error) {
	adapter, err := gormadapter.NewAdapterByDB(db)
	if err != nil {
		return nil, err
	}
	m, err := model.NewModelFromString(modelText)
	if err != nil {
		return nil, err
	}
	enforcer, err := casbin.NewSyncedEnforcer(m, adapter)
	if err != nil {
		return nil, err
	}
	enforcer.EnableAutoSave(true)
	enforcer.EnableAutoBuildRoleLinks(true)
	if err := enforcer.LoadPolicy(); err != nil {
		return nil, err
	}
	if err := seedPolicies(enforcer); err != nil {
		return nil, err
	}
	if err := enforcer.BuildRoleLinks(); err != nil {
		return nil, err
	}
	return enforcer, nil
}

// seedPolicies grants the built-in roles their permissions. Policies are
// domain-agnostic; the per-tenant grouping binds a user to a role inside one
// tenant only.
func seedPolicies(enforcer *casbin.SyncedEnforcer) error {
	policies := [][]string{
		{"role:member", "*", ObjectSession, ActionSessionView},
		{"role:member", "*", ObjectSession, ActionSessionRevoke},
		{"role:admin", "*", ObjectSession, ActionSessionView},
		{"role:admin", "*", ObjectSession, ActionSessionRevoke},
		{"role:admin", "*", ObjectAuditLog, ActionAuditLogView},
		{"role:owner", "*", ObjectSession, ActionSessionView},
		{"role:owner", "*", ObjectSession, ActionSessionRevoke},
		{"role:owner", "*", ObjectAuditLog, ActionAuditLogView},
		{"role:owner", "*", ObjectTenant, ActionTenantManage},
	}
	for _, policy := range policies {
		if _, err := enforcer.AddPolicy(policy[0], policy[1], policy[2], policy[3]); err != nil {
			return err
		}
	}
	return nil
}

func NewService(p Params) Service {
	return &service{
		log:      p.Log.Named("authorization.service"),
		enforcer: p.Enforcer,
		tenants:  p.Tenants,
		roles:    p.Roles,
		audit:    p.Audit,
	}
}

func (s *service) Authorize(ctx context.Context, userID, tenantID snowflake.ID, object, action string) error {
	if userID == 0 {
		return ErrInvalidActor
	}
	if tenantID == 0 {
		return ErrInvalidTenant
	}

	roleName, err := s.resolveRole(ctx, userID, tenantID)
	if errors.Is(err, tenantdomain.ErrMembershipNotFound) {
		s.auditDenied(ctx, userID, tenantID, object, action)
		return ErrForbidden
	}
	if err != nil {
		return err
	}

	subject := "user:" + userID.String()
	domain := "tenant:" + tenantID.String()
	role := "role:" + strings.ToLower(roleName)
	if err := s.ensureGrouping(subject, role, domain); err != nil {
		return err
	}

	allowed, err := s.enforcer.Enforce(subject, domain, object, action)
	if err != nil {
		return err
	}
	if !allowed {
		s.auditDenied(ctx, userID, tenantID, object, action)
		return ErrForbidden
	}
	return nil
}

// resolveRole caches membership lookups briefly; session revocation does not
// pass through here, so the staleness window only delays role changes.
func (s *service) resolveRole(ctx context.Context, userID, tenantID snowflake.ID) (string, error) {
	if s.roles != nil {
		if role, ok := s.roles.GetRole(userID, tenantID); ok {
			return role, nil
		}
	}
	membership, err := s.tenants.FindMembership(ctx, tenantID, userID)
	if err != nil {
		return "", err
	}
	if s.roles != nil {
		s.roles.SetRole(userID, tenantID, membership.Role)
	}
	return membership.Role, nil
}

func (s *service) ensureGrouping(subject, role, domain string) error {
	has, err := s.enforcer.HasGroupingPolicy(subject, role, domain)
	if err != nil {
		return err
	}
	if has {
		return nil
	}
	_, err = s.enforcer.AddGroupingPolicy(subject, role, domain)
	return err
}

func (s *service) auditDenied(ctx context.Context, userID, tenantID snowflake.ID, object, action string) {
	if s.audit == nil {
		return
	}
	actorID := userID.String()
	_ = s.audit.AuditLog(ctx, &tenantID, auditdomain.ActorUser, &actorID,
		"authorization.denied", object, nil,
		map[string]any{"action": action})
	s.log.Warn("authorization denied",
		zap.Stringer("user_id", userID),
		zap.Stringer("tenant_id", tenantID),
		zap.String("object", object),
		zap.String("action", action),
	)
}
