// Package httpclient builds the HTTP clients crowdwarn uses for outbound
// calls to the forum, the GDACS feed and model endpoints.
package httpclient

import (
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/crowdwarn/crowdwarn/internal/logger"
)

const (
	// DefaultTimeout bounds a whole request when the caller sets none.
	DefaultTimeout = 30 * time.Second

	defaultMaxIdleConns          = 100
	defaultMaxIdleConnsPerHost   = 10
	defaultIdleConnTimeout       = 90 * time.Second
	defaultTLSHandshakeTimeout   = 10 * time.Second
	defaultResponseHeaderTimeout = 10 * time.Second
	defaultDialTimeout           = 30 * time.Second
	defaultDialKeepAlive         = 30 * time.Second
	defaultSlowRequest           = 5 * time.Second

	defaultUserAgent = "crowdwarn"
)

var (
	serviceLogger logger.Logger
	loggerOnce    sync.Once
)

// GetLogger returns the httpclient module logger
func GetLogger() logger.Logger {
	loggerOnce.Do(func() {
		serviceLogger = logger.Global().Module("httpclient")
	})
	return serviceLogger
}

// Config holds configuration for creating an HTTP client. Zero values take
// the defaults.
type Config struct {
	Timeout             time.Duration
	UserAgent           string
	MaxIdleConnsPerHost int
	SlowRequest         time.Duration // requests slower than this are logged at warn level
}

// New returns a client with a tuned transport that sets the User-Agent and
// logs every request.
func New(cfg Config) *http.Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}
	if cfg.MaxIdleConnsPerHost <= 0 {
		cfg.MaxIdleConnsPerHost = defaultMaxIdleConnsPerHost
	}
	if cfg.SlowRequest <= 0 {
		cfg.SlowRequest = defaultSlowRequest
	}

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   defaultDialTimeout,
			KeepAlive: defaultDialKeepAlive,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          defaultMaxIdleConns,
		MaxIdleConnsPerHost:   cfg.MaxIdleConnsPerHost,
		IdleConnTimeout:       defaultIdleConnTimeout,
		TLSHandshakeTimeout:   defaultTLSHandshakeTimeout,
		ResponseHeaderTimeout: defaultResponseHeaderTimeout,
	}

	return &http.Client{
		Timeout: cfg.Timeout,
		Transport: &loggingTransport{
			next:      transport,
			userAgent: cfg.UserAgent,
			slow:      cfg.SlowRequest,
			log:       GetLogger(),
		},
	}
}

type loggingTransport struct {
	next      http.RoundTripper
	userAgent string
	slow      time.Duration
	log       logger.Logger
}

// RoundTrip implements http.RoundTripper. The request is cloned before the
// header is set.
func (t *loggingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") == "" {
		req = req.Clone(req.Context())
		req.Header.Set("User-Agent", t.userAgent)
	}

	start := time.Now()
	resp, err := t.next.RoundTrip(req)
	elapsed := time.Since(start)

	log := t.log.WithContext(req.Context())
	fields := []logger.Field{
		logger.String("method", req.Method),
		logger.String("host", req.URL.Host),
		logger.String("path", req.URL.Path),
		logger.Duration("elapsed", elapsed),
	}
	switch {
	case err != nil:
		log.Debug("outbound request failed", append(fields, logger.Error(err))...)
	case elapsed > t.slow:
		log.Warn("slow outbound request", append(fields, logger.Int("status", resp.StatusCode))...)
	default:
		log.Debug("outbound request", append(fields, logger.Int("status", resp.StatusCode))...)
	}
	return resp, err
}
