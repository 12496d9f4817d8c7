package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"

	"github.com/keylinehq/keyline/internal/audit"
	auditdomain "github.com/keylinehq/keyline/internal/audit/domain"
	"github.com/keylinehq/keyline/internal/authorization"
	"github.com/keylinehq/keyline/internal/cache"
	"github.com/keylinehq/keyline/internal/clock"
	"github.com/keylinehq/keyline/internal/cloudmetrics"
	"github.com/keylinehq/keyline/internal/config"
	"github.com/keylinehq/keyline/internal/externallogin"
	externaldomain "github.com/keylinehq/keyline/internal/externallogin/domain"
	"github.com/keylinehq/keyline/internal/logincode"
	logincodedomain "github.com/keylinehq/keyline/internal/logincode/domain"
	"github.com/keylinehq/keyline/internal/migration"
	"github.com/keylinehq/keyline/internal/observability"
	obslogger "github.com/keylinehq/keyline/internal/observability/logger"
	obsmetrics "github.com/keylinehq/keyline/internal/observability/metrics"
	obstracing "github.com/keylinehq/keyline/internal/observability/tracing"
	"github.com/keylinehq/keyline/internal/providers/email"
	"github.com/keylinehq/keyline/internal/ratelimit"
	"github.com/keylinehq/keyline/internal/scheduler"
	"github.com/keylinehq/keyline/internal/session"
	sessiondomain "github.com/keylinehq/keyline/internal/session/domain"
	"github.com/keylinehq/keyline/internal/signup"
	sessionsync "github.com/keylinehq/keyline/internal/sync"
	tenantrepo "github.com/keylinehq/keyline/internal/tenant/repository"
	"github.com/keylinehq/keyline/internal/token"
	"github.com/keylinehq/keyline/internal/user"
)

var Module = fx.Options(
	clock.Module,
	observability.Module,
	token.Module,
	audit.Module,
	cache.Module,
	tenantrepo.Module,
	user.Module,
	sessionsync.Module,
	session.Module,
	signup.Module,
	externallogin.Module,
	logincode.Module,
	authorization.Module,
	ratelimit.Module,
	email.Module,
	migration.Module,
	cloudmetrics.Module,
	scheduler.Module,
	fx.Provide(NewEngine),
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obslogger.GinMiddleware(obslogger.MiddlewareConfig{
		Debug: obsCfg.Debug(),
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(obsmetrics.GinMiddleware(httpMetrics))
	r.Use(RequestInfo())
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine) {
	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: r,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					panic(err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type Server struct {
	engine     *gin.Engine
	cfg        config.Config
	signer     *token.Signer
	security   *config.SecurityConfigHolder
	sessions   sessiondomain.Service
	external   externaldomain.Service
	loginCodes logincodedomain.Service
	authzSvc   authorization.Service
	auditSvc   auditdomain.Service
	hub        *sessionsync.Hub
	guard      *ratelimit.Guard
}

type ServerParams struct {
	fx.In

	Gin        *gin.Engine
	Cfg        config.Config
	Signer     *token.Signer
	Security   *config.SecurityConfigHolder
	Sessions   sessiondomain.Service
	External   externaldomain.Service
	LoginCodes logincodedomain.Service
	AuthzSvc   authorization.Service
	AuditSvc   auditdomain.Service
	Hub        *sessionsync.Hub
	Guard      *ratelimit.Guard `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:     p.Gin,
		cfg:        p.Cfg,
		signer:     p.Signer,
		security:   p.Security,
		sessions:   p.Sessions,
		external:   p.External,
		loginCodes: p.LoginCodes,
		authzSvc:   p.AuthzSvc,
		auditSvc:   p.AuditSvc,
		hub:        p.Hub,
		guard:      p.Guard,
	}

	svc.registerAuthRoutes()
	svc.registerSessionRoutes()
	svc.registerAuditRoutes()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerAuthRoutes() {
	auth := s.engine.Group("/authentication")

	auth.POST("/refresh", s.RateLimited(ratelimit.EndpointRefresh), s.Refresh)
	auth.POST("/logout", s.AuthRequired(), s.Logout)

	login := auth.Group("/login")
	{
		login.POST("/start", s.RateLimited(ratelimit.EndpointLoginCode), s.StartLoginCode)
		login.POST("/complete", s.RateLimited(ratelimit.EndpointLoginCheck), s.CompleteLoginCode)
	}

	external := auth.Group("/external/:provider")
	{
		external.GET("/login/start", s.RateLimited(ratelimit.EndpointFlowStart), s.StartExternalLogin(externaldomain.FlowLogin))
		external.GET("/login/callback", s.ExternalLoginCallback(externaldomain.FlowLogin))
		external.GET("/signup/start", s.RateLimited(ratelimit.EndpointFlowStart), s.StartExternalLogin(externaldomain.FlowSignup))
		external.GET("/signup/callback", s.ExternalLoginCallback(externaldomain.FlowSignup))
	}
}

func (s *Server) registerSessionRoutes() {
	sessions := s.engine.Group("/sessions", s.AuthRequired())

	sessions.GET("", s.ListSessions)
	sessions.GET("/events", s.StreamSessionEvents)
	sessions.DELETE("/:id", s.RevokeSession)
}

func (s *Server) registerAuditRoutes() {
	s.engine.GET("/audit-logs", s.AuthRequired(), s.ListAuditLogs)
}
