package api

import (
	"context"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/tls-chameleon/internal/aggregator"
	"github.com/tls-chameleon/internal/checker"
	"github.com/tls-chameleon/internal/config"
	"github.com/tls-chameleon/internal/controller"
	"github.com/tls-chameleon/internal/metrics"
	"github.com/tls-chameleon/internal/proxypool"
	"github.com/tls-chameleon/internal/session"
)

// Deps are the collaborators the HTTP surface exposes. Pool, Checker and
// Aggregator may be nil; their routes then answer 404 or 503.
type Deps struct {
	Sessions   *session.Registry
	Controller *controller.Controller
	Metrics    *metrics.Collector
	// Gatherer backs the metrics endpoint; nil means the default registry
	Gatherer   prometheus.Gatherer
	Pool       *proxypool.Pool
	Checker    *checker.Checker
	Aggregator *aggregator.Aggregator
}

type Server struct {
	config      *config.Config
	deps        Deps
	router      *gin.Engine
	httpServer  *http.Server
	rateLimiter *RateLimiter
}

type RateLimiter struct {
	limiters map[string]*rate.Limiter
	mu       sync.RWMutex
	rate     rate.Limit
	burst    int
}

func NewRateLimiter(requestsPerMinute int) *RateLimiter {
	burst := requestsPerMinute / 10
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{
		limiters: make(map[string]*rate.Limiter),
		rate:     rate.Limit(float64(requestsPerMinute) / 60.0),
		burst:    burst,
	}
}

func (rl *RateLimiter) GetLimiter(key string) *rate.Limiter {
	rl.mu.RLock()
	limiter, exists := rl.limiters[key]
	rl.mu.RUnlock()

	if exists {
		return limiter
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	// another request may have created it meanwhile
	if limiter, exists := rl.limiters[key]; exists {
		return limiter
	}

	limiter = rate.NewLimiter(rl.rate, rl.burst)
	rl.limiters[key] = limiter

	return limiter
}

func NewServer(cfg *config.Config, deps Deps) *Server {
	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.DefaultGatherer
	}

	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{
		config:      cfg,
		deps:        deps,
		router:      router,
		rateLimiter: NewRateLimiter(cfg.API.RateLimitPerIP),
	}

	s.setupRoutes()

	return s
}

// Handler exposes the router, mainly for tests
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	s.router.Use(s.loggingMiddleware())
	s.router.Use(s.metricsMiddleware())

	s.router.GET("/health", s.handleHealth)

	if s.config.Metrics.Enabled {
		s.router.GET(s.config.Metrics.Endpoint, gin.WrapH(promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{})))
	}

	protected := s.router.Group("/")
	if s.config.API.EnableAPIKeyAuth {
		protected.Use(s.authMiddleware())
	}
	if s.config.API.EnableIPRateLimit {
		protected.Use(s.rateLimitMiddleware())
	}

	protected.GET("/profiles", s.handleProfiles)

	protected.GET("/sessions", s.handleListSessions)
	protected.POST("/sessions", s.handleCreateSession)
	protected.GET("/sessions/:id", s.handleGetSession)
	protected.DELETE("/sessions/:id", s.handleDeleteSession)
	protected.POST("/sessions/:id/reset", s.handleResetSession)
	protected.POST("/sessions/:id/fetch", s.handleFetch)

	protected.GET("/proxies", s.handleProxies)
	protected.POST("/proxies/reset", s.handleResetProxies)
	protected.POST("/proxies/check", s.handleCheckProxies)
	protected.POST("/proxies/refresh", s.handleRefreshProxies)
}

func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:        s.config.API.Addr,
		Handler:     s.router,
		ReadTimeout: 15 * time.Second,
		// fetches may run through several attempts and backoffs
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	log.Infof("Starting API server on %s", s.config.API.Addr)
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	log.Info("Shutting down API server...")
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// Middleware

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		log.WithFields(log.Fields{
			"method":   c.Request.Method,
			"path":     path,
			"status":   c.Writer.Status(),
			"duration": time.Since(start).Milliseconds(),
			"ip":       c.ClientIP(),
		}).Info("API request")
	}
}

func (s *Server) metricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.deps.Metrics == nil {
			c.Next()
			return
		}
		start := time.Now()

		c.Next()

		// route template keeps session IDs out of the label set
		endpoint := c.FullPath()
		if endpoint == "" {
			endpoint = "unmatched"
		}
		method := c.Request.Method
		s.deps.Metrics.RecordAPIRequest(method, endpoint, strconv.Itoa(c.Writer.Status()))
		s.deps.Metrics.RecordAPIDuration(method, endpoint, time.Since(start).Seconds())
	}
}

func (s *Server) authMiddleware() gin.HandlerFunc {
	expectedKey := os.Getenv(s.config.API.APIKeyEnv)
	if expectedKey == "" {
		log.Warn("API key not set in environment, authentication disabled")
	}

	return func(c *gin.Context) {
		if expectedKey == "" {
			c.Next()
			return
		}

		apiKey := c.GetHeader("X-Api-Key")
		if apiKey == "" {
			apiKey = c.Query("key")
		}

		if apiKey != expectedKey {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Invalid or missing API key",
			})
			return
		}

		c.Next()
	}
}

func (s *Server) rateLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		limiter := s.rateLimiter.GetLimiter(c.ClientIP())

		if !limiter.Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "Rate limit exceeded",
			})
			return
		}

		c.Next()
	}
}
