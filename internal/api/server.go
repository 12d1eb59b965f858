// Package api serves findings and warnings over HTTP and accepts ratings,
// delete votes, user reports and subscriptions.
package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/patrickmn/go-cache"

	"github.com/crowdwarn/crowdwarn/internal/conf"
	"github.com/crowdwarn/crowdwarn/internal/datastore"
	"github.com/crowdwarn/crowdwarn/internal/errors"
	"github.com/crowdwarn/crowdwarn/internal/logger"
	"github.com/crowdwarn/crowdwarn/internal/moderation"
	"github.com/crowdwarn/crowdwarn/internal/sources"
	"github.com/crowdwarn/crowdwarn/internal/subscription"
)

const (
	DefaultListen   = ":8080"
	DefaultCacheTTL = 30 * time.Second

	// UserIDHeader carries the opaque caller identity.
	UserIDHeader = "X-User-ID"

	shutdownTimeout = 10 * time.Second
	bodyLimit       = "64K"
	apiPrefix       = "/api/v1"
)

// Server is the HTTP query and moderation surface.
type Server struct {
	echo       *echo.Echo
	settings   *conf.Settings
	store      *datastore.Store
	moderation *moderation.Service
	reports    *sources.Reports
	subs       *subscription.Service
	metrics    http.Handler
	listCache  *cache.Cache
	startTime  time.Time
	log        logger.Logger
}

// ServerOption is a functional option for configuring the Server.
type ServerOption func(*Server)

// WithMetricsHandler serves h on /metrics.
func WithMetricsHandler(h http.Handler) ServerOption {
	return func(s *Server) {
		s.metrics = h
	}
}

var (
	serviceLogger logger.Logger
	loggerOnce    sync.Once
)

// GetLogger returns the api module logger
func GetLogger() logger.Logger {
	loggerOnce.Do(func() {
		serviceLogger = logger.Global().Module("api")
	})
	return serviceLogger
}

// NewServer builds the echo instance and registers every route.
func NewServer(settings *conf.Settings, store *datastore.Store, mod *moderation.Service,
	reports *sources.Reports, subs *subscription.Service, opts ...ServerOption) *Server {

	ttl := settings.API.CacheTTL
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}

	s := &Server{
		settings:   settings,
		store:      store,
		moderation: mod,
		reports:    reports,
		subs:       subs,
		listCache:  cache.New(ttl, 2*ttl),
		startTime:  time.Now(),
		log:        GetLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.echo = echo.New()
	s.echo.HideBanner = true
	s.echo.HidePort = true
	s.echo.Server.ReadTimeout = 15 * time.Second
	s.echo.Server.WriteTimeout = 30 * time.Second

	s.setupMiddleware()
	s.setupRoutes()
	return s
}

func (s *Server) setupMiddleware() {
	s.echo.Use(echomw.Recover())
	s.echo.Use(echomw.RequestID())
	s.echo.Use(s.requestLogger())
	s.echo.Use(echomw.BodyLimit(bodyLimit))
	if s.settings.API.RateLimit.Enabled {
		s.echo.Use(s.rateLimiter())
	}
}

func (s *Server) setupRoutes() {
	s.echo.GET("/health", s.healthCheck)
	if s.metrics != nil {
		s.echo.GET("/metrics", echo.WrapHandler(s.metrics))
	}

	g := s.echo.Group(apiPrefix)
	g.GET("/findings", s.ListFindings)
	g.GET("/findings/:id", s.GetFinding)
	g.GET("/warnings", s.ListWarnings)
	g.GET("/warnings/:id", s.GetWarning)
	g.GET("/raw-items/:kind", s.ListRawItems)

	g.POST("/findings/:id/ratings", s.Rate)
	g.POST("/findings/:id/delete-votes", s.VoteDelete)
	g.POST("/warnings/:id/ratings", s.Rate)
	g.POST("/warnings/:id/delete-votes", s.VoteDelete)

	g.POST("/reports", s.SubmitReport)
	g.POST("/subscribers", s.Subscribe)
	g.DELETE("/subscribers", s.Unsubscribe)
}

func (s *Server) healthCheck(c echo.Context) error {
	uptime := time.Since(s.startTime)
	return c.JSON(http.StatusOK, map[string]any{
		"status":         "healthy",
		"uptime":         uptime.String(),
		"uptime_seconds": uptime.Seconds(),
		"timestamp":      time.Now().Format(time.RFC3339),
	})
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Run listens until ctx is cancelled and then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	addr := s.settings.API.Listen
	if addr == "" {
		addr = DefaultListen
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("starting HTTP server", logger.String("address", addr))
		if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.echo.Shutdown(shutdownCtx); err != nil {
		s.log.Error("error during server shutdown", logger.Error(err))
		return err
	}
	s.log.Info("server shutdown complete")
	return nil
}

// invalidateLists drops cached list responses after a write.
func (s *Server) invalidateLists() {
	s.listCache.Flush()
}
