package domain

import "errors"

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionRevoked  = errors.New("session already revoked")
	ErrNotSessionOwner = errors.New("session belongs to another user")
)

// Machine-readable unauthorized reasons carried in the X-Auth-Error response
// header. The body stays deliberately generic.
const (
	ReasonMalformedToken  = "MalformedToken"
	ReasonExpired         = "Expired"
	ReasonSessionNotFound = "SessionNotFound"
	ReasonTenantDeleted   = "TenantDeleted"
)

// UnauthorizedError rejects a refresh attempt with a coarse public reason.
type UnauthorizedError struct {
	Reason string
}

func (e *UnauthorizedError) Error() string {
	return "unauthorized: " + e.Reason
}

func Unauthorized(reason string) error {
	return &UnauthorizedError{Reason: reason}
}

// UnauthorizedReason extracts the reason from an unauthorized error, if any.
func UnauthorizedReason(err error) (string, bool) {
	var ue *UnauthorizedError
	if errors.As(err, &ue) {
		return ue.Reason, true
	}
	return "", false
}
