package server

import (
	"context"
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/smallbiznis/credo/internal/apikey"
	apikeydomain "github.com/smallbiznis/credo/internal/apikey/domain"
	"github.com/smallbiznis/credo/internal/audit"
	auditdomain "github.com/smallbiznis/credo/internal/audit/domain"
	"github.com/smallbiznis/credo/internal/cloudmetrics"
	"github.com/smallbiznis/credo/internal/config"
	"github.com/smallbiznis/credo/internal/credit"
	creditdomain "github.com/smallbiznis/credo/internal/credit/domain"
	"github.com/smallbiznis/credo/internal/creditevent"
	"github.com/smallbiznis/credo/internal/creditoverview"
	creditoverviewdomain "github.com/smallbiznis/credo/internal/creditoverview/domain"
	"github.com/smallbiznis/credo/internal/observability"
	obsmiddleware "github.com/smallbiznis/credo/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/credo/internal/observability/metrics"
	obstracing "github.com/smallbiznis/credo/internal/observability/tracing"
	"github.com/smallbiznis/credo/internal/pool"
	pooldomain "github.com/smallbiznis/credo/internal/pool/domain"
	"github.com/smallbiznis/credo/internal/ratelimit"
	"github.com/smallbiznis/credo/internal/scheduler"
	"github.com/smallbiznis/credo/internal/statement"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

var Module = fx.Module("http.server",
	config.Module,
	cloudmetrics.Module,
	fx.Provide(registerGin),
	audit.Module,
	apikey.Module,
	pool.Module,
	credit.Module,
	creditevent.Module,
	creditoverview.Module,
	statement.Module,
	ratelimit.Module,
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(httpMetrics.Middleware())
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	return NewEngine(obsCfg, httpMetrics)
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine) {
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
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
	engine       *gin.Engine
	cfg          config.Config
	db           *gorm.DB
	genID        *snowflake.Node
	apiKeySvc    apikeydomain.Service
	auditSvc     auditdomain.Service
	poolSvc      pooldomain.Service
	creditSvc    creditdomain.Service
	overviewSvc  creditoverviewdomain.Service
	statementSvc *statement.Service
	limiter      keyRateLimiter

	scheduler *scheduler.Scheduler
}

type ServerParams struct {
	fx.In

	Gin          *gin.Engine
	Cfg          config.Config
	DB           *gorm.DB
	GenID        *snowflake.Node
	APIKeySvc    apikeydomain.Service
	AuditSvc     auditdomain.Service
	PoolSvc      pooldomain.Service
	CreditSvc    creditdomain.Service
	OverviewSvc  creditoverviewdomain.Service
	StatementSvc *statement.Service
	Limiter      *ratelimit.APILimiter `optional:"true"`

	Scheduler *scheduler.Scheduler `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:       p.Gin,
		cfg:          p.Cfg,
		db:           p.DB,
		genID:        p.GenID,
		apiKeySvc:    p.APIKeySvc,
		auditSvc:     p.AuditSvc,
		poolSvc:      p.PoolSvc,
		creditSvc:    p.CreditSvc,
		overviewSvc:  p.OverviewSvc,
		statementSvc: p.StatementSvc,
		scheduler:    p.Scheduler,
	}
	// Assign only when enabled so a disabled limiter stays a nil interface.
	if p.Limiter.Enabled() {
		svc.limiter = p.Limiter
	}

	svc.registerAPIRoutes()
	svc.registerAdminRoutes()
	svc.registerDevRoutes()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerAPIRoutes() {
	v1 := s.engine.Group("/v1", s.APIKeyRequired(), s.RateLimited())

	// -------- Pools --------
	v1.GET("/pools", s.RequireScope(apikeydomain.ScopePoolRead), s.ListPools)
	v1.POST("/pools", s.RequireScope(apikeydomain.ScopePoolWrite), s.CreatePool)
	v1.GET("/pools/:id", s.RequireScope(apikeydomain.ScopePoolRead), s.GetPoolByID)
	v1.PATCH("/pools/:id", s.RequireScope(apikeydomain.ScopePoolWrite), s.UpdatePool)

	// -------- Credits --------
	v1.GET("/credits", s.RequireScope(apikeydomain.ScopeCreditRead), s.ListCredits)
	v1.POST("/credits", s.RequireScope(apikeydomain.ScopeCreditWrite), s.ApproveCredit)
	v1.GET("/credits/:id", s.RequireScope(apikeydomain.ScopeCreditRead), s.GetCreditByID)

	v1.POST("/credits/:id/drawdown", s.RequireScope(apikeydomain.ScopeCreditWrite), s.Drawdown)
	v1.POST("/credits/:id/payments", s.RequireScope(apikeydomain.ScopeCreditWrite), s.MakePayment)
	v1.POST("/credits/:id/refresh", s.RequireScope(apikeydomain.ScopeCreditWrite), s.RefreshCredit)
	v1.POST("/credits/:id/default", s.RequireScope(apikeydomain.ScopeCreditWrite), s.TriggerCreditDefault)
	v1.POST("/credits/:id/close", s.RequireScope(apikeydomain.ScopeCreditWrite), s.CloseCredit)

	v1.GET("/credits/:id/due", s.RequireScope(apikeydomain.ScopeCreditRead), s.GetCreditDue)
	v1.GET("/credits/:id/payoff", s.RequireScope(apikeydomain.ScopeCreditRead), s.GetCreditPayoff)
	v1.GET("/credits/:id/statement", s.RequireScope(apikeydomain.ScopeCreditRead), s.GetCreditStatement)

	// -------- Portfolio --------
	v1.GET("/overview", s.RequireScope(apikeydomain.ScopeCreditRead), s.GetOverview)
}

// registerAdminRoutes mounts key management and the audit trail behind the
// seeded operator account. Operator auth is how the first API key gets
// minted, so these routes never require a key themselves.
func (s *Server) registerAdminRoutes() {
	admin := s.engine.Group("/admin", s.OperatorRequired())

	admin.GET("/api-keys/scopes", s.ListAPIKeyScopes)
	admin.GET("/api-keys", s.ListAPIKeys)
	admin.POST("/api-keys", s.CreateAPIKey)
	admin.POST("/api-keys/:key_id/rotate", s.RotateAPIKey)
	admin.POST("/api-keys/:key_id/revoke", s.RevokeAPIKey)

	admin.GET("/audit-logs", s.ListAuditLogs)
}

func (s *Server) registerDevRoutes() {
	if s.cfg.Environment == "production" {
		return
	}

	dev := s.engine.Group("/dev")

	// Manual trigger scheduler jobs
	dev.POST("/scheduler/run-once", s.DevRunSchedulerOnce)
	dev.POST("/scheduler/refresh-bills", s.DevRunRefreshBills)
	dev.POST("/scheduler/publish-events", s.DevRunPublishEvents)
	dev.POST("/scheduler/sweep-stale", s.DevRunSweepStale)
}
