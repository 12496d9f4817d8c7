package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gosimple/slug"
	"github.com/keylinehq/keyline/internal/signup/domain"
	tenantdomain "github.com/keylinehq/keyline/internal/tenant/domain"
	userdomain "github.com/keylinehq/keyline/internal/user/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const slugAttempts = 5

type Params struct {
	fx.In

	Log     *zap.Logger
	DB      *gorm.DB
	GenID   *snowflake.Node
	Tenants tenantdomain.Repository
	Users   userdomain.Repository
}

type service struct {
	log     *zap.Logger
	db      *gorm.DB
	genID   *snowflake.Node
	tenants tenantdomain.Repository
	users   userdomain.Repository
}

func New(p Params) domain.Service {
	return &service{
		log:     p.Log.Named("signup.service"),
		db:      p.DB,
		genID:   p.GenID,
		tenants: p.Tenants,
		users:   p.Users,
	}
}

func (s *service) Provision(ctx context.Context, req domain.Request) (*domain.Result, error) {
	email := strings.ToLower(strings.TrimSpace(req.Email))
	if email == "" || !strings.Contains(email, "@") {
		return nil, domain.ErrInvalidRequest
	}

	if _, err := s.users.FindByEmail(ctx, email); err == nil {
		return nil, domain.ErrAccountExists
	} else if !errors.Is(err, userdomain.ErrUserNotFound) {
		return nil, err
	}
	if req.Provider != "" && req.ExternalID != "" {
		if _, err := s.users.FindByIdentity(ctx, req.Provider, req.ExternalID); err == nil {
			return nil, domain.ErrAccountExists
		} else if !errors.Is(err, userdomain.ErrUserNotFound) {
			return nil, err
		}
	}

	tenantName := strings.TrimSpace(req.TenantName)
	if tenantName == "" {
		tenantName = strings.TrimSpace(req.DisplayName)
	}
	if tenantName == "" {
		tenantName = strings.SplitN(email, "@", 2)[0]
	}

	tenant := &tenantdomain.Tenant{
		ID:   s.genID.Generate(),
		Name: tenantName,
	}
	tenantSlug, err := s.uniqueSlug(ctx, tenantName, tenant.ID)
	if err != nil {
		return nil, err
	}
	tenant.Slug = tenantSlug

	user := &userdomain.User{
		ID:          s.genID.Generate(),
		TenantID:    tenant.ID,
		Email:       email,
		DisplayName: strings.TrimSpace(req.DisplayName),
		Role:        tenantdomain.RoleOwner,
	}

	// Tenant, owner, membership and identity land together or not at
	// all; a partial signup would brick the email address for retries.
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		tenants := s.tenants.WithTx(tx)
		users := s.users.WithTx(tx)

		if err := tenants.Create(ctx, tenant); err != nil {
			return fmt.Errorf("create tenant: %w", err)
		}

		if err := users.Create(ctx, user); err != nil {
			if errors.Is(err, userdomain.ErrUserExists) {
				return domain.ErrAccountExists
			}
			return fmt.Errorf("create user: %w", err)
		}

		if err := tenants.CreateMembership(ctx, &tenantdomain.Membership{
			ID:       s.genID.Generate(),
			TenantID: tenant.ID,
			UserID:   user.ID,
			Role:     tenantdomain.RoleOwner,
		}); err != nil {
			return fmt.Errorf("create membership: %w", err)
		}

		if req.Provider != "" && req.ExternalID != "" {
			if err := users.LinkIdentity(ctx, &userdomain.Identity{
				ID:            s.genID.Generate(),
				UserID:        user.ID,
				Provider:      req.Provider,
				ExternalID:    req.ExternalID,
				EmailVerified: req.EmailVerified,
			}); err != nil {
				return fmt.Errorf("link identity: %w", err)
			}
		}

		return nil
	})
	if txErr != nil {
		return nil, txErr
	}

	s.log.Info("tenant provisioned",
		zap.Stringer("tenant_id", tenant.ID),
		zap.Stringer("user_id", user.ID),
		zap.String("slug", tenant.Slug),
	)

	return &domain.Result{User: user, TenantID: tenant.ID.String()}, nil
}

// uniqueSlug derives a URL slug from the tenant name, falling back to an
// id-suffixed form when the plain one is taken.
func (s *service) uniqueSlug(ctx context.Context, name string, id snowflake.ID) (string, error) {
	base := slug.Make(name)
	if base == "" {
		base = "tenant"
	}

	candidate := base
	for attempt := 0; attempt < slugAttempts; attempt++ {
		taken, err := s.tenants.SlugTaken(ctx, candidate)
		if err != nil {
			return "", err
		}
		if !taken {
			return candidate, nil
		}
		candidate = fmt.Sprintf("%s-%d", base, int64(id)%10000+int64(attempt))
	}
	// Snowflake ids are unique, so this cannot collide.
	return fmt.Sprintf("%s-%s", base, id.String()), nil
}
