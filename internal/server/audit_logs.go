package server

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/keylinehq/keyline/internal/authorization"
)

type auditLogView struct {
	ID         string         `json:"id"`
	ActorType  string         `json:"actor_type"`
	ActorID    string         `json:"actor_id,omitempty"`
	Action     string         `json:"action"`
	TargetType string         `json:"target_type"`
	TargetID   string         `json:"target_id,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	IPAddress  string         `json:"ip_address,omitempty"`
	UserAgent  string         `json:"user_agent,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// ListAuditLogs returns recent security events for the caller's tenant.
func (s *Server) ListAuditLogs(c *gin.Context) {
	userID := callerID(c, contextUserIDKey)
	tenantID := callerID(c, contextTenantIDKey)

	if err := s.authzSvc.Authorize(c.Request.Context(), userID, tenantID,
		authorization.ObjectAuditLog, authorization.ActionAuditLogView); err != nil {
		AbortWithError(c, err)
		return
	}

	limit := 50
	if raw := strings.TrimSpace(c.Query("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			AbortWithError(c, ErrInvalidRequest)
			return
		}
		limit = parsed
	}

	entries, err := s.auditSvc.ListForTenant(c.Request.Context(), tenantID, limit)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	views := make([]auditLogView, 0, len(entries))
	for _, entry := range entries {
		view := auditLogView{
			ID:         entry.ID.String(),
			ActorType:  entry.ActorType,
			Action:     entry.Action,
			TargetType: entry.TargetType,
			Metadata:   map[string]any(entry.Metadata),
			IPAddress:  entry.IPAddress,
			UserAgent:  entry.UserAgent,
			CreatedAt:  entry.CreatedAt,
		}
		if entry.ActorID != nil {
			view.ActorID = *entry.ActorID
		}
		if entry.TargetID != nil {
			view.TargetID = *entry.TargetID
		}
		views = append(views, view)
	}

	c.JSON(http.StatusOK, gin.H{"audit_logs": views})
}
