package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"

	externaldomain "github.com/keylinehq/keyline/internal/externallogin/domain"
	logincodedomain "github.com/keylinehq/keyline/internal/logincode/domain"
	sessiondomain "github.com/keylinehq/keyline/internal/session/domain"
)

const (
	flowCookieName    = "keyline_flow"
	refreshCookieName = "keyline_refresh"
)

type tokenPairResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
}

func tokenResponse(pair sessiondomain.TokenPair) tokenPairResponse {
	return tokenPairResponse{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		TokenType:    "Bearer",
	}
}

// StartExternalLogin begins a provider redirect flow. The encrypted flow
// cookie is the browser's half of the split carrier; the state parameter
// rides with the provider.
func (s *Server) StartExternalLogin(flowType externaldomain.FlowType) gin.HandlerFunc {
	return func(c *gin.Context) {
		providerName := strings.TrimSpace(c.Param("provider"))
		if providerName == "" {
			AbortWithError(c, ErrInvalidRequest)
			return
		}

		req := externaldomain.StartRequest{
			Provider:       providerName,
			Type:           flowType,
			ReturnPath:     c.Query("return_path"),
			UserAgent:      c.Request.UserAgent(),
			AcceptLanguage: c.GetHeader("Accept-Language"),
			RedirectURI:    s.callbackURL(providerName, flowType),
		}
		if raw := strings.TrimSpace(c.Query("tenant_id")); raw != "" {
			id, err := snowflake.ParseString(raw)
			if err != nil {
				AbortWithError(c, ErrInvalidRequest)
				return
			}
			req.PreferredTenantID = &id
		}

		result, err := s.external.Start(c.Request.Context(), req)
		if err != nil {
			AbortWithError(c, err)
			return
		}

		s.setCookie(c, flowCookieName, result.Cookie, result.CookieTTL)
		c.Redirect(http.StatusFound, result.RedirectURL)
	}
}

// ExternalLoginCallback finishes a provider redirect flow. The response is
// always a redirect; on success the refresh cookie is set and the token
// pair is additionally exposed in headers for non-browser callers.
func (s *Server) ExternalLoginCallback(flowType externaldomain.FlowType) gin.HandlerFunc {
	return func(c *gin.Context) {
		providerName := strings.TrimSpace(c.Param("provider"))
		cookie, _ := c.Cookie(flowCookieName)

		req := externaldomain.CallbackRequest{
			Provider:       providerName,
			Type:           flowType,
			Code:           c.Query("code"),
			State:          c.Query("state"),
			ProviderError:  c.Query("error"),
			Cookie:         cookie,
			UserAgent:      c.Request.UserAgent(),
			AcceptLanguage: c.GetHeader("Accept-Language"),
			IPAddress:      c.ClientIP(),
			RedirectURI:    s.callbackURL(providerName, flowType),
		}

		result, err := s.external.Callback(c.Request.Context(), req)
		if err != nil {
			AbortWithError(c, err)
			return
		}

		s.clearCookie(c, flowCookieName)
		if result.Success {
			s.setRefreshCookie(c, result.Tokens.RefreshToken)
			c.Header("X-Access-Token", result.Tokens.AccessToken)
		}
		c.Redirect(http.StatusFound, result.RedirectURL)
	}
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// Refresh exchanges a refresh token for a rotated pair. The token comes
// from the JSON body, or from the refresh cookie for browser callers.
func (s *Server) Refresh(c *gin.Context) {
	var body refreshRequest
	_ = c.ShouldBindJSON(&body)

	raw := strings.TrimSpace(body.RefreshToken)
	if raw == "" {
		raw, _ = c.Cookie(refreshCookieName)
		raw = strings.TrimSpace(raw)
	}
	if raw == "" {
		c.Header(AuthErrorHeader, sessiondomain.ReasonMalformedToken)
		AbortWithError(c, ErrUnauthorized)
		return
	}

	pair, err := s.sessions.Refresh(c.Request.Context(), raw)
	if err != nil {
		s.clearCookie(c, refreshCookieName)
		AbortWithError(c, err)
		return
	}

	s.setRefreshCookie(c, pair.RefreshToken)
	c.JSON(http.StatusOK, tokenResponse(pair))
}

// Logout revokes the caller's own session.
func (s *Server) Logout(c *gin.Context) {
	userID := callerID(c, contextUserIDKey)
	sessionID := callerID(c, contextSessionIDKey)

	err := s.sessions.Revoke(c.Request.Context(), sessionID, userID, sessiondomain.ReasonRevoked)
	if err != nil && !errors.Is(err, sessiondomain.ErrSessionRevoked) {
		AbortWithError(c, err)
		return
	}

	s.clearCookie(c, refreshCookieName)
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type startLoginCodeRequest struct {
	Email string `json:"email" binding:"required"`
}

// StartLoginCode issues a one-time code by email. The response does not
// reveal whether the address is known.
func (s *Server) StartLoginCode(c *gin.Context) {
	var body startLoginCodeRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	if err := s.loginCodes.Start(c.Request.Context(), logincodedomain.StartRequest{
		Email: body.Email,
	}); err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"status": "ok"})
}

type completeLoginCodeRequest struct {
	Email string `json:"email" binding:"required"`
	Code  string `json:"code" binding:"required"`
}

// CompleteLoginCode exchanges a one-time code for a session.
func (s *Server) CompleteLoginCode(c *gin.Context) {
	var body completeLoginCodeRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	result, err := s.loginCodes.Complete(c.Request.Context(), logincodedomain.CompleteRequest{
		Email:     body.Email,
		Code:      body.Code,
		UserAgent: c.Request.UserAgent(),
		IPAddress: c.ClientIP(),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	s.setRefreshCookie(c, result.Tokens.RefreshToken)
	c.JSON(http.StatusOK, tokenResponse(result.Tokens))
}

func (s *Server) callbackURL(providerName string, flowType externaldomain.FlowType) string {
	return s.cfg.BaseURL + "/authentication/external/" + providerName + "/" + string(flowType) + "/callback"
}

func (s *Server) setRefreshCookie(c *gin.Context, value string) {
	s.setCookie(c, refreshCookieName, value, s.security.Current().RefreshTokenTTL)
}

func (s *Server) setCookie(c *gin.Context, name, value string, ttl time.Duration) {
	maxAge := int(ttl / time.Second)
	if maxAge < 1 {
		maxAge = 1
	}
	c.SetCookie(name, value, maxAge, "/", "", s.cfg.AuthCookieSecure, true)
}

func (s *Server) clearCookie(c *gin.Context, name string) {
	c.SetCookie(name, "", -1, "/", "", s.cfg.AuthCookieSecure, true)
}
