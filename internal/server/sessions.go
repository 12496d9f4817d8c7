package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"

	"github.com/keylinehq/keyline/internal/authorization"
	sessiondomain "github.com/keylinehq/keyline/internal/session/domain"
	sessionsync "github.com/keylinehq/keyline/internal/sync"
)

type sessionView struct {
	ID            string     `json:"id"`
	UserAgent     string     `json:"user_agent,omitempty"`
	IPAddress     string     `json:"ip_address,omitempty"`
	IsRevoked     bool       `json:"is_revoked"`
	RevokedReason string     `json:"revoked_reason,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	LastSeenAt    time.Time  `json:"last_seen_at"`
	Current       bool       `json:"current"`
	RevokedAt     *time.Time `json:"revoked_at,omitempty"`
}

// ListSessions returns the caller's sessions across devices.
func (s *Server) ListSessions(c *gin.Context) {
	userID := callerID(c, contextUserIDKey)
	tenantID := callerID(c, contextTenantIDKey)
	currentSessionID := callerID(c, contextSessionIDKey)

	if err := s.authzSvc.Authorize(c.Request.Context(), userID, tenantID,
		authorization.ObjectSession, authorization.ActionSessionView); err != nil {
		AbortWithError(c, err)
		return
	}

	sessions, err := s.sessions.ListForUser(c.Request.Context(), userID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	views := make([]sessionView, 0, len(sessions))
	for _, session := range sessions {
		views = append(views, sessionView{
			ID:            session.ID.String(),
			UserAgent:     session.UserAgent,
			IPAddress:     session.IPAddress,
			IsRevoked:     session.IsRevoked,
			RevokedReason: session.RevokedReason,
			CreatedAt:     session.CreatedAt,
			LastSeenAt:    session.LastSeenAt,
			Current:       session.ID == currentSessionID,
			RevokedAt:     session.RevokedAt,
		})
	}

	c.JSON(http.StatusOK, gin.H{"sessions": views})
}

// RevokeSession revokes one of the caller's sessions by id.
func (s *Server) RevokeSession(c *gin.Context) {
	userID := callerID(c, contextUserIDKey)
	tenantID := callerID(c, contextTenantIDKey)

	sessionID, err := snowflake.ParseString(strings.TrimSpace(c.Param("id")))
	if err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	if err := s.authzSvc.Authorize(c.Request.Context(), userID, tenantID,
		authorization.ObjectSession, authorization.ActionSessionRevoke); err != nil {
		AbortWithError(c, err)
		return
	}

	if err := s.sessions.Revoke(c.Request.Context(), sessionID, userID, sessiondomain.ReasonRevoked); err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "revoked"})
}

// StreamSessionEvents pushes the caller's session changes over SSE so
// other open tabs can react to rotation and revocation.
func (s *Server) StreamSessionEvents(c *gin.Context) {
	if s.hub == nil {
		AbortWithError(c, ErrServiceUnavailable)
		return
	}
	userID := callerID(c, contextUserIDKey)

	subscription, backlog, err := s.hub.Subscribe(userID)
	if err != nil {
		AbortWithError(c, ErrServiceUnavailable)
		return
	}
	defer subscription.Close()

	writer := c.Writer
	headers := writer.Header()
	headers.Set("Content-Type", "text/event-stream")
	headers.Set("Cache-Control", "no-cache")
	headers.Set("Connection", "keep-alive")
	headers.Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	flusher, ok := writer.(http.Flusher)
	if !ok {
		AbortWithError(c, ErrServiceUnavailable)
		return
	}

	if _, err := io.WriteString(writer, "retry: 2000\n\n"); err != nil {
		return
	}

	for _, event := range backlog {
		if err := writeSessionEvent(writer, event); err != nil {
			return
		}
	}
	flusher.Flush()

	ctx := c.Request.Context()
	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case event := <-subscription.Events():
			if err := writeSessionEvent(writer, event); err != nil {
				return
			}
			flusher.Flush()
		case <-heartbeat.C:
			if _, err := io.WriteString(writer, ": heartbeat\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeSessionEvent(w io.Writer, event sessionsync.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}
