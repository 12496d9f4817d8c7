package server

import (
	"errors"
	"strconv"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"

	auditdomain "github.com/keylinehq/keyline/internal/audit/domain"
	sessiondomain "github.com/keylinehq/keyline/internal/session/domain"
	"github.com/keylinehq/keyline/internal/token"
)

const (
	contextUserIDKey    = "user_id"
	contextTenantIDKey  = "tenant_id"
	contextSessionIDKey = "session_id"
)

// RequestInfo captures caller attribution for the audit trail.
func RequestInfo() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := auditdomain.WithRequestInfo(c.Request.Context(), auditdomain.RequestInfo{
			IPAddress: c.ClientIP(),
			UserAgent: c.Request.UserAgent(),
		})
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// AuthRequired validates the bearer access token and stashes the caller's
// identity on the request.
func (s *Server) AuthRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := bearerToken(c.GetHeader("Authorization"))
		if raw == "" {
			c.Header(AuthErrorHeader, sessiondomain.ReasonMalformedToken)
			AbortWithError(c, ErrUnauthorized)
			return
		}

		claims, err := s.signer.ValidateAccess(raw)
		if err != nil {
			reason := sessiondomain.ReasonMalformedToken
			if errors.Is(err, token.ErrExpired) {
				reason = sessiondomain.ReasonExpired
			}
			c.Header(AuthErrorHeader, reason)
			AbortWithError(c, ErrUnauthorized)
			return
		}

		userID, err := snowflake.ParseString(claims.Subject)
		if err != nil {
			c.Header(AuthErrorHeader, sessiondomain.ReasonMalformedToken)
			AbortWithError(c, ErrUnauthorized)
			return
		}
		tenantID, err := snowflake.ParseString(claims.TenantID)
		if err != nil {
			c.Header(AuthErrorHeader, sessiondomain.ReasonMalformedToken)
			AbortWithError(c, ErrUnauthorized)
			return
		}
		sessionID, err := snowflake.ParseString(claims.SessionID)
		if err != nil {
			c.Header(AuthErrorHeader, sessiondomain.ReasonMalformedToken)
			AbortWithError(c, ErrUnauthorized)
			return
		}

		c.Set(contextUserIDKey, userID)
		c.Set(contextTenantIDKey, tenantID)
		c.Set(contextSessionIDKey, sessionID)
		c.Next()
	}
}

// RateLimited throttles an endpoint per client IP.
func (s *Server) RateLimited(endpoint string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.guard == nil {
			c.Next()
			return
		}
		res := s.guard.Allow(c.Request.Context(), endpoint, c.ClientIP())
		if !res.Allowed {
			if res.RetryAfter > 0 {
				seconds := int(res.RetryAfter.Seconds())
				if seconds < 1 {
					seconds = 1
				}
				c.Header("Retry-After", strconv.Itoa(seconds))
			}
			c.AbortWithStatusJSON(429, errorResponse{Error: errorPayload{
				Type:    "rate_limited",
				Message: "too many requests",
			}})
			return
		}
		c.Next()
	}
}

func bearerToken(header string) string {
	header = strings.TrimSpace(header)
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func callerID(c *gin.Context, key string) snowflake.ID {
	value, ok := c.Get(key)
	if !ok {
		return 0
	}
	id, ok := value.(snowflake.ID)
	if !ok {
		return 0
	}
	return id
}
