// Package sandbox runs a local capture SMTP server. It offers a STARTTLS
// listener and an implicit TLS listener, accepts one set of credentials and
// keeps every message it receives in memory instead of relaying it.
package sandbox

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/emersion/go-smtp"
)

const (
	defaultDomain   = "sandbox.localhost"
	maxMessageBytes = 10 * 1024 * 1024
	maxRecipients   = 100
	ioTimeout       = 30 * time.Second
)

// Config holds the configuration for a sandbox server.
type Config struct {
	// Addr is the STARTTLS listener address (e.g. "127.0.0.1:2525").
	Addr string

	// TLSAddr is the implicit TLS listener address. Empty disables it.
	TLSAddr string

	// Domain is announced in the greeting.
	Domain string

	// TLSConfig is required: it backs STARTTLS and the implicit TLS listener.
	TLSConfig *tls.Config

	// Username and Password are the only accepted credentials. When both
	// are empty any credentials are accepted and AUTH is optional.
	Username string
	Password string

	Logger *slog.Logger
}

// Server is a capture SMTP server.
type Server struct {
	cfg    Config
	logger *slog.Logger

	starttls *smtp.Server
	implicit *smtp.Server

	plainLn net.Listener
	tlsLn   net.Listener

	mu       sync.Mutex
	messages []Message
	logins   int

	wg sync.WaitGroup
}

// New creates a Server. It does not listen until Start is called.
func New(cfg Config) *Server {
	if cfg.Domain == "" {
		cfg.Domain = defaultDomain
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{cfg: cfg, logger: logger.With("component", "sandbox")}
	s.starttls = s.newSMTPServer()
	s.implicit = s.newSMTPServer()

	return s
}

func (s *Server) newSMTPServer() *smtp.Server {
	srv := smtp.NewServer(&backend{server: s})
	srv.Domain = s.cfg.Domain
	srv.TLSConfig = s.cfg.TLSConfig
	srv.ReadTimeout = ioTimeout
	srv.WriteTimeout = ioTimeout
	srv.MaxMessageBytes = maxMessageBytes
	srv.MaxRecipients = maxRecipients
	srv.AllowInsecureAuth = true

	return srv
}

// Start binds the listeners and serves them in the background.
func (s *Server) Start() error {
	if s.cfg.TLSConfig == nil {
		return errors.New("sandbox: TLS configuration is required")
	}

	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("sandbox: listen %s: %w", s.cfg.Addr, err)
	}
	s.plainLn = ln
	s.serve(s.starttls, ln, "starttls")

	if s.cfg.TLSAddr != "" {
		raw, err := net.Listen("tcp", s.cfg.TLSAddr)
		if err != nil {
			_ = s.Close()
			return fmt.Errorf("sandbox: listen %s: %w", s.cfg.TLSAddr, err)
		}
		s.tlsLn = tls.NewListener(raw, s.cfg.TLSConfig)
		s.serve(s.implicit, s.tlsLn, "implicit-tls")
	}

	return nil
}

func (s *Server) serve(srv *smtp.Server, ln net.Listener, mode string) {
	s.logger.Info("sandbox SMTP server listening",
		"addr", ln.Addr().String(),
		"mode", mode,
		"auth_required", s.authRequired(),
	)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		if err := srv.Serve(ln); err != nil && !errors.Is(err, smtp.ErrServerClosed) && !errors.Is(err, net.ErrClosed) {
			s.logger.Error("sandbox SMTP server stopped", "mode", mode, "error", err)
		}
	}()
}

// ListenAndServe starts the server and blocks until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if err := s.Start(); err != nil {
		return err
	}

	<-ctx.Done()
	s.logger.Info("shutting down sandbox SMTP server")

	return s.Close()
}

// Close stops both listeners and waits for the serve loops to return.
func (s *Server) Close() error {
	var errs []error

	if s.plainLn != nil {
		errs = append(errs, ignoreClosed(s.starttls.Close()), ignoreClosed(s.plainLn.Close()))
	}
	if s.tlsLn != nil {
		errs = append(errs, ignoreClosed(s.implicit.Close()), ignoreClosed(s.tlsLn.Close()))
	}

	s.wg.Wait()

	return errors.Join(errs...)
}

func ignoreClosed(err error) error {
	if errors.Is(err, smtp.ErrServerClosed) || errors.Is(err, net.ErrClosed) {
		return nil
	}

	return err
}

// Addr returns the STARTTLS listener address, or empty string if not listening.
func (s *Server) Addr() string {
	if s.plainLn != nil {
		return s.plainLn.Addr().String()
	}

	return ""
}

// TLSAddr returns the implicit TLS listener address, or empty string.
func (s *Server) TLSAddr() string {
	if s.tlsLn != nil {
		return s.tlsLn.Addr().String()
	}

	return ""
}

// Messages returns a copy of every message received so far.
func (s *Server) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Message, len(s.messages))
	copy(out, s.messages)

	return out
}

// Logins returns the number of successful AUTH exchanges.
func (s *Server) Logins() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.logins
}

// Reset forgets captured messages and logins.
func (s *Server) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.messages = nil
	s.logins = 0
}

func (s *Server) authRequired() bool {
	return s.cfg.Username != "" || s.cfg.Password != ""
}

func (s *Server) checkCredentials(username, password string) bool {
	if !s.authRequired() {
		return true
	}

	return username == s.cfg.Username && password == s.cfg.Password
}

func (s *Server) recordLogin() {
	s.mu.Lock()
	s.logins++
	s.mu.Unlock()
}

func (s *Server) store(msg Message) {
	s.mu.Lock()
	s.messages = append(s.messages, msg)
	s.mu.Unlock()

	s.logger.Info("message captured",
		"from", msg.From,
		"recipients", msg.Recipients,
		"subject", msg.Subject,
		"size", len(msg.Raw),
	)
}
