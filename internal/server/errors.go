package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/keylinehq/keyline/internal/authorization"
	externaldomain "github.com/keylinehq/keyline/internal/externallogin/domain"
	"github.com/keylinehq/keyline/internal/externallogin/provider"
	logincodedomain "github.com/keylinehq/keyline/internal/logincode/domain"
	sessiondomain "github.com/keylinehq/keyline/internal/session/domain"
	signupdomain "github.com/keylinehq/keyline/internal/signup/domain"
	tenantdomain "github.com/keylinehq/keyline/internal/tenant/domain"
	userdomain "github.com/keylinehq/keyline/internal/user/domain"
)

// AuthErrorHeader carries the machine-readable rejection reason on 401
// responses. The body stays generic.
const AuthErrorHeader = "X-Auth-Error"

type errorPayload struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var (
	ErrUnauthorized       = errors.New("unauthorized")
	ErrInvalidRequest     = errors.New("invalid_request")
	ErrServiceUnavailable = errors.New("service_unavailable")
)

func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}

		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		if reason, ok := sessiondomain.UnauthorizedReason(lastErr.Err); ok {
			c.Header(AuthErrorHeader, reason)
		}

		status, payload := mapError(lastErr.Err)
		c.Header("Content-Type", "application/json")
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func mapError(err error) (int, errorPayload) {
	switch {
	case isUnauthorized(err):
		return http.StatusUnauthorized, errorPayload{
			Type:    "unauthorized",
			Message: "unauthorized",
		}
	case errors.Is(err, logincodedomain.ErrTooManyAttempts):
		return http.StatusTooManyRequests, errorPayload{
			Type:    "rate_limited",
			Message: "too many attempts",
		}
	case errors.Is(err, authorization.ErrForbidden),
		errors.Is(err, sessiondomain.ErrNotSessionOwner):
		return http.StatusForbidden, errorPayload{
			Type:    "forbidden",
			Message: "forbidden",
		}
	case errors.Is(err, signupdomain.ErrAccountExists),
		errors.Is(err, sessiondomain.ErrSessionRevoked):
		return http.StatusConflict, errorPayload{
			Type:    "conflict",
			Message: "conflict",
		}
	case isNotFound(err):
		return http.StatusNotFound, errorPayload{
			Type:    "not_found",
			Message: "not found",
		}
	case isInvalidRequest(err):
		return http.StatusBadRequest, errorPayload{
			Type:    "invalid_request",
			Message: "invalid request",
		}
	case errors.Is(err, ErrServiceUnavailable):
		return http.StatusServiceUnavailable, errorPayload{
			Type:    "service_unavailable",
			Message: "service unavailable",
		}
	default:
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}
}

func isUnauthorized(err error) bool {
	if _, ok := sessiondomain.UnauthorizedReason(err); ok {
		return true
	}
	switch {
	case errors.Is(err, ErrUnauthorized),
		errors.Is(err, logincodedomain.ErrCodeInvalid),
		errors.Is(err, logincodedomain.ErrCodeExpired):
		return true
	default:
		return false
	}
}

func isNotFound(err error) bool {
	switch {
	case errors.Is(err, sessiondomain.ErrSessionNotFound),
		errors.Is(err, externaldomain.ErrFlowNotFound),
		errors.Is(err, provider.ErrProviderNotFound),
		errors.Is(err, tenantdomain.ErrTenantNotFound),
		errors.Is(err, userdomain.ErrUserNotFound),
		errors.Is(err, gorm.ErrRecordNotFound):
		return true
	default:
		return false
	}
}

func isInvalidRequest(err error) bool {
	switch {
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, signupdomain.ErrInvalidRequest),
		errors.Is(err, authorization.ErrInvalidActor),
		errors.Is(err, authorization.ErrInvalidTenant):
		return true
	default:
		return false
	}
}
