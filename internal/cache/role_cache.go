package cache

import (
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"

	"github.com/keylinehq/keyline/internal/clock"
)

// Kept short so membership changes propagate to authorization checks
// quickly; revocation of sessions never goes through this cache.
const defaultRoleTTL = 30 * time.Second

// RoleCache memoizes membership role lookups on the authorization hot
// path.
type RoleCache interface {
	GetRole(userID, tenantID snowflake.ID) (string, bool)
	SetRole(userID, tenantID snowflake.ID, role string)
	InvalidateRole(userID, tenantID snowflake.ID)
}

type roleCache struct {
	roles Cache[string, string]
	ttl   time.Duration
}

func NewRoleCache(clk clock.Clock) RoleCache {
	return &roleCache{
		roles: NewTTLCache[string, string](clk),
		ttl:   defaultRoleTTL,
	}
}

func (c *roleCache) GetRole(userID, tenantID snowflake.ID) (string, bool) {
	return c.roles.Get(roleKey(userID, tenantID))
}

func (c *roleCache) SetRole(userID, tenantID snowflake.ID, role string) {
	if role == "" {
		return
	}
	c.roles.Set(roleKey(userID, tenantID), role, c.ttl)
}

func (c *roleCache) InvalidateRole(userID, tenantID snowflake.ID) {
	c.roles.Delete(roleKey(userID, tenantID))
}

func roleKey(userID, tenantID snowflake.ID) string {
	return fmt.Sprintf("%d|%d", userID, tenantID)
}
