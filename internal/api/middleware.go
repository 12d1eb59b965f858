package api

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"

	"github.com/crowdwarn/crowdwarn/internal/logger"
)

const (
	defaultRequestsPerSecond = 5
	defaultBurst             = 20
	rateLimitExpiry          = 3 * time.Minute
)

// requestLogger logs one line per request with the request id as trace id.
func (s *Server) requestLogger() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			req := c.Request()
			if id := c.Response().Header().Get(echo.HeaderXRequestID); id != "" {
				c.SetRequest(req.WithContext(logger.WithTraceID(req.Context(), id)))
			}

			err := next(c)
			if err != nil {
				c.Error(err)
			}

			status := c.Response().Status
			log := s.log.WithContext(c.Request().Context())
			fields := []logger.Field{
				logger.String("method", req.Method),
				logger.String("path", c.Path()),
				logger.Int("status", status),
				logger.Duration("latency", time.Since(start)),
				logger.String("ip", c.RealIP()),
			}
			if status >= http.StatusInternalServerError {
				log.Warn("request failed", fields...)
			} else {
				log.Debug("request served", fields...)
			}
			return nil
		}
	}
}

// rateLimiter limits each client IP to a token bucket.
func (s *Server) rateLimiter() echo.MiddlewareFunc {
	cfg := s.settings.API.RateLimit
	rps := cfg.Requests
	if rps <= 0 {
		rps = defaultRequestsPerSecond
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = defaultBurst
	}

	return echomw.RateLimiterWithConfig(echomw.RateLimiterConfig{
		Skipper: func(c echo.Context) bool {
			return c.Path() == "/health" || c.Path() == "/metrics"
		},
		Store: echomw.NewRateLimiterMemoryStoreWithConfig(echomw.RateLimiterMemoryStoreConfig{
			Rate:      rate.Limit(rps),
			Burst:     burst,
			ExpiresIn: rateLimitExpiry,
		}),
		IdentifierExtractor: func(c echo.Context) (string, error) {
			return c.RealIP(), nil
		},
		ErrorHandler: func(c echo.Context, err error) error {
			return c.JSON(http.StatusForbidden, newErrorResponse("rate_limit", "unable to identify client"))
		},
		DenyHandler: func(c echo.Context, identifier string, err error) error {
			return c.JSON(http.StatusTooManyRequests, newErrorResponse("rate_limited", "too many requests, please slow down"))
		},
	})
}
