package server

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/aman-churiwal/ai-gateway/internal/config"
	"github.com/aman-churiwal/ai-gateway/internal/forwarder"
	"github.com/aman-churiwal/ai-gateway/internal/handler"
	"github.com/aman-churiwal/ai-gateway/internal/keypool"
	"github.com/aman-churiwal/ai-gateway/internal/middleware"
	"github.com/aman-churiwal/ai-gateway/internal/models"
	"github.com/aman-churiwal/ai-gateway/internal/pipeline"
	"github.com/aman-churiwal/ai-gateway/internal/ratelimit"
	"github.com/aman-churiwal/ai-gateway/internal/storage"
	"github.com/aman-churiwal/ai-gateway/internal/usage"
	"github.com/gin-gonic/gin"
)

// Deps carries the wired components the server routes to
type Deps struct {
	Config     *config.Config
	Redis      *storage.RedisClient // nil unless the redis backend is configured
	Postgres   *storage.Postgres
	Limiter    *ratelimit.Limiter
	Accounting *usage.Accounting
	Pool       *keypool.Pool
	Pipeline   *pipeline.Pipeline
	Forwarder  *forwarder.Forwarder
}

type Server struct {
	router     *gin.Engine
	config     *config.Config
	redis      *storage.RedisClient
	postgres   *storage.Postgres
	limiter    *ratelimit.Limiter
	httpServer *http.Server

	gateway   *handler.GatewayHandler
	projects  *handler.ProjectHandler
	keys      *handler.KeyPoolHandler
	identity  *handler.IdentityHandler
	usage     *handler.UsageHandler
	analytics *handler.AnalyticsHandler
	system    *handler.SystemHandler
}

func New(deps Deps) *Server {
	if deps.Config.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	db := deps.Postgres.DB

	s := &Server{
		router:   router,
		config:   deps.Config,
		redis:    deps.Redis,
		postgres: deps.Postgres,
		limiter:  deps.Limiter,

		gateway:   handler.NewGatewayHandler(db, deps.Pipeline, deps.Forwarder, deps.Config.ProviderBaseURLs(), deps.Config.ProviderCosts()),
		projects:  handler.NewProjectHandler(db),
		keys:      handler.NewKeyPoolHandler(deps.Pool),
		identity:  handler.NewIdentityHandler(db, deps.Accounting),
		usage:     handler.NewUsageHandler(deps.Limiter),
		analytics: handler.NewAnalyticsHandler(db),
		system:    handler.NewSystemHandler(deps.Forwarder),
	}

	s.setupMiddleware()
	s.setupRoutes()

	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.Recovery())
	s.router.Use(middleware.RequestID())
	s.router.Use(middleware.Logger())
	s.router.Use(middleware.CORS())
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthCheck)

	admin := s.router.Group("/admin")
	{
		admin.GET("/status", s.adminStatus)

		admin.POST("/projects", s.projects.Create)
		admin.GET("/projects", s.projects.List)
		admin.GET("/projects/:id", s.projects.Get)
		admin.PATCH("/projects/:id", s.projects.Update)
		admin.DELETE("/projects/:id", s.projects.Delete)

		admin.POST("/projects/:id/keys", s.keys.Contribute)
		admin.GET("/projects/:id/keys", s.keys.List)
		admin.DELETE("/projects/:id/keys/contributor/:contributorId", s.keys.DeleteByContributor)
		admin.PATCH("/keys/:keyId", s.keys.Update)
		admin.DELETE("/keys/:keyId", s.keys.Delete)
		admin.POST("/keys/:keyId/clear-rate-limit", s.keys.ClearRateLimit)

		admin.GET("/projects/:id/identities/:identity", s.identity.GetOverride)
		admin.POST("/projects/:id/identities/:identity/gift", s.identity.Gift)
		admin.PUT("/projects/:id/identities/:identity/limits", s.identity.SetLimits)
		admin.PUT("/projects/:id/identities/:identity/unlimited", s.identity.SetUnlimited)
		admin.PUT("/projects/:id/identities/:identity/enabled", s.identity.SetEnabled)
		admin.GET("/projects/:id/identities/:identity/usage", s.identity.GetUsage)
		admin.DELETE("/projects/:id/identities/:identity/usage", s.identity.ResetUsage)

		admin.GET("/tenants/:tenantId/usage", s.usage.Get)
		admin.DELETE("/tenants/:tenantId/usage", s.usage.Reset)

		admin.GET("/analytics/summary", s.analytics.GetSummary)
		admin.GET("/analytics/logs", s.analytics.GetLogs)

		admin.GET("/circuit-breakers", s.system.CircuitBreakerStatus)
		admin.POST("/circuit-breakers/reset", s.system.ResetCircuitBreaker)
	}

	v1 := s.router.Group("/v1")
	v1.Use(middleware.AdmissionLogger())
	v1.Use(middleware.Enforce(s.limiter, tenantFromHeader))
	{
		v1.POST("/:provider/*path", s.gateway.Forward)
	}
}

func tenantFromHeader(c *gin.Context) string {
	return c.GetHeader("X-Tenant-ID")
}

func (s *Server) healthCheck(c *gin.Context) {
	ctx := c.Request.Context()

	dbHealthy := true
	if err := s.postgres.Ping(ctx); err != nil {
		dbHealthy = false
		log.Printf("Database health check failed: %v", err)
	}

	redisHealthy := true
	if s.redis != nil {
		if err := s.redis.Ping(ctx); err != nil {
			redisHealthy = false
			log.Printf("Redis health check failed: %v", err)
		}
	}

	status := "healthy"
	statusCode := http.StatusOK

	if !dbHealthy || !redisHealthy {
		status = "degraded"
		statusCode = http.StatusServiceUnavailable
	}

	c.JSON(statusCode, gin.H{
		"status":    status,
		"service":   "ai-gateway",
		"backend":   s.config.Backend,
		"timestamp": time.Now().Unix(),
		"checks": gin.H{
			"database": dbHealthy,
			"redis":    redisHealthy,
		},
	})
}

func (s *Server) adminStatus(c *gin.Context) {
	ctx := c.Request.Context()

	var projects int64
	s.postgres.DB.WithContext(ctx).Model(&models.Project{}).Count(&projects)

	c.JSON(http.StatusOK, gin.H{
		"gateway":   "running",
		"backend":   s.config.Backend,
		"projects":  projects,
		"uptime":    time.Since(startTime).Seconds(),
		"timestamp": time.Now().Unix(),
	})
}

func (s *Server) Run(addr string) error {
	// No write timeout: streamed completions outlive any fixed deadline
	s.httpServer = &http.Server{
		Addr:        addr,
		Handler:     s.router,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	log.Printf("Starting AI Gateway on %s", addr)
	log.Printf("Rate limit backend: %s", s.config.Backend)

	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	log.Println("Shutting down server...")

	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}

	return nil
}

func (s *Server) GetRouter() *gin.Engine {
	return s.router
}

var startTime = time.Now()
