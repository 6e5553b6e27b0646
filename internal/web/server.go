// Package web serves the composer: the form, the preview, the connection
// test endpoint and the send step.
package web

import (
	"embed"
	"fmt"
	"html/template"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"reflect"
	"strings"

	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shineum/mailcomposer/internal/delivery"
	"github.com/shineum/mailcomposer/internal/mailer"
	"github.com/shineum/mailcomposer/internal/metrics"
)

//go:embed templates/*.html static/*
var assets embed.FS

// Config wires the server to its collaborators. Metrics and Gatherer are
// optional.
type Config struct {
	Tester   *mailer.Tester
	Executor *delivery.Executor
	Sessions sessions.Store
	Metrics  *metrics.Metrics
	Gatherer prometheus.Gatherer
	Logger   *slog.Logger
}

// Server is the HTTP front end.
type Server struct {
	engine   *gin.Engine
	tester   *mailer.Tester
	executor *delivery.Executor
	metrics  *metrics.Metrics
	logger   *slog.Logger
	validate *validator.Validate
	worker   []byte
}

// New builds the router.
func New(cfg Config) (*Server, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	tmpl, err := template.New("").ParseFS(assets, "templates/*.html")
	if err != nil {
		return nil, fmt.Errorf("failed to parse templates: %w", err)
	}

	worker, err := assets.ReadFile("static/service-worker.js")
	if err != nil {
		return nil, fmt.Errorf("failed to read service worker: %w", err)
	}

	static, err := fs.Sub(assets, "static")
	if err != nil {
		return nil, fmt.Errorf("failed to open static assets: %w", err)
	}

	s := &Server{
		tester:   cfg.Tester,
		executor: cfg.Executor,
		metrics:  cfg.Metrics,
		logger:   logger,
		validate: newValidator(),
		worker:   worker,
	}

	r := gin.New()
	r.SetHTMLTemplate(tmpl)
	r.Use(
		requestLogger(logger),
		observe(cfg.Metrics),
		gin.CustomRecoveryWithWriter(io.Discard, func(c *gin.Context, recovered any) {
			logger.Error("panic while handling request", "path", c.Request.URL.Path, "panic", recovered)
			c.AbortWithStatus(http.StatusInternalServerError)
		}),
	)

	r.GET("/healthz", s.healthz)
	r.GET("/service-worker.js", s.serviceWorker)
	r.StaticFS("/static", http.FS(static))

	if cfg.Gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{})))
	}

	app := r.Group("/", noStore(), sessions.Sessions(SessionName, cfg.Sessions))
	app.GET("/", s.index)
	app.POST("/preview", s.preview)
	app.POST("/test-connection", s.testConnection)
	app.POST("/send", s.send)

	s.engine = r

	return s, nil
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// newValidator reports fields by their JSON names.
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}

		return name
	})

	return v
}
