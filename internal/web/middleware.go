package web

import (
	"crypto/tls"
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/segmentio/ksuid"

	"github.com/shineum/mailcomposer/internal/metrics"
)

const (
	guidKey         = "guid"
	requestIDHeader = "X-Request-ID"
	notAvailable    = "N/A"
)

// requestLogger tags every request with a GUID and logs one record when it
// completes.
func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		guid := ksuid.New().String()
		c.Set(guidKey, guid)
		c.Header(requestIDHeader, guid)

		start := time.Now()

		c.Next()

		latency := time.Since(start)

		negotiatedProtocol := notAvailable
		if c.Request.TLS != nil {
			negotiatedProtocol = tls.VersionName(c.Request.TLS.Version)
		}

		level := slog.LevelInfo
		msg := "HTTP request"
		if err := c.Errors.Last(); err != nil {
			level = slog.LevelError
			msg = err.Error()
		}

		logger.LogAttrs(c.Request.Context(), level, msg,
			slog.String("guid", guid),
			slog.String("client_ip", c.ClientIP()),
			slog.String("method", c.Request.Method),
			slog.String("path", c.Request.URL.Path),
			slog.Int("status", c.Writer.Status()),
			slog.Duration("latency", latency),
			slog.String("tls", negotiatedProtocol),
		)
	}
}

// observe records request counts and latency by route.
func observe(m *metrics.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		if m == nil {
			c.Next()
			return
		}

		start := time.Now()

		c.Next()

		m.ObserveHTTP(c.FullPath(), c.Request.Method, c.Writer.Status(), time.Since(start))
	}
}

// noStore keeps session pages out of browser and service worker caches.
func noStore() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Cache-Control", "no-store")
		c.Next()
	}
}
