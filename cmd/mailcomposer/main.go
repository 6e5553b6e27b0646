// Package main is the entry point for the HTML email composer.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/pflag"

	"github.com/shineum/mailcomposer/internal/config"
	"github.com/shineum/mailcomposer/internal/delivery"
	"github.com/shineum/mailcomposer/internal/mailer"
	"github.com/shineum/mailcomposer/internal/metrics"
	"github.com/shineum/mailcomposer/internal/sandbox"
	tlsutil "github.com/shineum/mailcomposer/internal/tls"
	"github.com/shineum/mailcomposer/internal/web"
)

func main() {
	flags := pflag.NewFlagSet("mailcomposer", pflag.ExitOnError)
	flags.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: mailcomposer [flags] [serve|sandbox]\n\n")
		flags.PrintDefaults()
	}

	configPath := flags.StringP("config", "c", "", "path to YAML configuration file (optional)")
	envFile := flags.String("env-file", "", "path to a .env file loaded before the environment is read (optional)")
	_ = flags.Parse(os.Args[1:])

	command := "serve"
	if flags.NArg() > 0 {
		command = flags.Arg(0)
	}

	if *envFile != "" {
		if err := config.LoadEnvFile(*envFile); err != nil {
			slog.Error("failed to load env file", "error", err)
			os.Exit(1)
		}
	}

	// Load configuration
	cfg, err := loadConfig(*configPath)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	// Setup structured logging
	logger := setupLogger(cfg.Logging.Level, cfg.Logging.Format)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	switch command {
	case "serve":
		err = serve(ctx, cfg, logger)
	case "sandbox":
		err = runSandbox(ctx, cfg, logger)
	default:
		flags.Usage()
		os.Exit(2)
	}

	if err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}

	logger.Info("mailcomposer stopped")
}

// serve runs the web application until ctx is cancelled.
func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	generated, err := cfg.EnsureSecretKey()
	if err != nil {
		return err
	}
	if generated {
		logger.Warn("SECRET_KEY is not set, using a random key; sessions will not survive a restart")
	}

	store, err := web.NewSessionStore(web.SessionOptions{
		Dir:       cfg.Session.Dir,
		SecretKey: cfg.Session.SecretKey,
		MaxAge:    cfg.Session.MaxAge,
		Secure:    cfg.TLSEnabled(),
	})
	if err != nil {
		return err
	}

	go web.RunSessionSweeper(ctx, cfg.Session.Dir, cfg.Session.MaxAge, sweepInterval(cfg.Session.MaxAge), logger)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	dialer := mailer.NewDialer(mailer.Options{
		HeloName:           cfg.SMTP.HeloName,
		InsecureSkipVerify: cfg.SMTP.InsecureSkipVerify,
	}, logger)

	transport := selectTransport(cfg, dialer, logger)

	gin.SetMode(gin.ReleaseMode)

	app, err := web.New(web.Config{
		Tester:   mailer.NewTester(dialer, cfg.SMTP.TestTimeout),
		Executor: delivery.New(transport, logger, delivery.WithObserver(m)),
		Sessions: store,
		Metrics:  m,
		Gatherer: reg,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.HTTP.Listen,
		Handler:           app.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}

	tlsMode := "disabled"
	if cfg.TLSEnabled() {
		// Load or generate TLS certificates
		tlsConfig, err := tlsutil.LoadOrGenerateTLS(cfg.HTTP.TLS.CertFile, cfg.HTTP.TLS.KeyFile)
		if err != nil {
			return fmt.Errorf("failed to setup TLS: %w", err)
		}
		srv.TLSConfig = tlsConfig

		tlsMode = "self-signed"
		if cfg.HTTP.TLS.CertFile != "" && cfg.HTTP.TLS.KeyFile != "" {
			tlsMode = "file"
		}
	}

	logger.Info("starting mailcomposer",
		"listen", cfg.HTTP.Listen,
		"transport", transport.Name(),
		"tls_mode", tlsMode,
		"session_dir", cfg.Session.Dir,
	)

	errCh := make(chan error, 1)
	go func() {
		var err error
		if srv.TLSConfig != nil {
			err = srv.ListenAndServeTLS("", "")
		} else {
			err = srv.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("received signal, initiating shutdown")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout(cfg))
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	return <-errCh
}

// shutdownTimeout leaves room for an in-flight send to finish.
func shutdownTimeout(cfg *config.Config) time.Duration {
	return cfg.SMTP.SendTimeout + 5*time.Second
}

// sweepInterval checks for expired session records a few times per
// lifetime, but not more than once a minute.
func sweepInterval(maxAge time.Duration) time.Duration {
	return max(maxAge/4, time.Minute)
}

// runSandbox runs the capture SMTP server until ctx is cancelled.
func runSandbox(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	tlsConfig, err := tlsutil.LoadOrGenerateTLS(cfg.HTTP.TLS.CertFile, cfg.HTTP.TLS.KeyFile)
	if err != nil {
		return fmt.Errorf("failed to setup TLS: %w", err)
	}

	srv := sandbox.New(sandbox.Config{
		Addr:      cfg.Sandbox.Listen,
		TLSAddr:   cfg.Sandbox.TLSListen,
		TLSConfig: tlsConfig,
		Username:  cfg.Sandbox.Username,
		Password:  cfg.Sandbox.Password,
		Logger:    logger,
	})

	return srv.ListenAndServe(ctx)
}

// loadConfig loads configuration from the specified path (YAML + env override)
// or from environment variables only if no path is given.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFromFile(path)
	}
	return config.Load()
}

// setupLogger builds the process logger with the configured level and
// output format and installs it as the slog default.
func setupLogger(level, format string) *slog.Logger {
	var logLevel slog.Level

	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: logLevel}

	var handler slog.Handler
	if format == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)

	return logger
}

// selectTransport picks the dry-run writer when configured, otherwise the
// user's SMTP server.
func selectTransport(cfg *config.Config, dialer *mailer.Dialer, logger *slog.Logger) mailer.Transport {
	if cfg.Delivery.DryRun {
		logger.Warn("dry run enabled, messages are written to stdout and not delivered")
		return mailer.NewWriterTransport(logger)
	}

	return mailer.NewSMTPTransport(dialer, cfg.SMTP.SendTimeout)
}
