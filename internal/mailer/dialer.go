// Package mailer talks SMTP to the user's server: it opens connections using
// implicit TLS or STARTTLS, authenticates, and transmits messages.
package mailer

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.com/shineum/mailcomposer/internal/email"
	"github.com/shineum/mailcomposer/internal/mailerr"
	tlsutil "github.com/shineum/mailcomposer/internal/tls"
)

const (
	// DefaultTestTimeout bounds a connection test: connect and authenticate.
	DefaultTestTimeout = 10 * time.Second

	// DefaultSendTimeout bounds a delivery: connect, authenticate and transmit.
	DefaultSendTimeout = 30 * time.Second

	defaultHeloName = "localhost"
)

// Params identifies an SMTP server and the credentials to use on it.
type Params struct {
	Server   string
	Port     string
	Username string
	Password string
	Mode     string
}

// ParamsFrom extracts the connection parameters of a composition.
func ParamsFrom(c *email.Composition) Params {
	return Params{
		Server:   c.Server,
		Port:     c.PortOrDefault(),
		Username: c.Username,
		Password: c.Password,
		Mode:     c.Mode(),
	}
}

// Host returns the trimmed server name.
func (p Params) Host() string {
	return strings.TrimSpace(p.Server)
}

// Addr validates the server and port and joins them.
func (p Params) Addr() (string, error) {
	host := p.Host()
	if host == "" {
		return "", errors.New("SMTP server is required")
	}

	port := strings.TrimSpace(p.Port)
	if port == "" {
		port = email.DefaultPort
	}

	n, err := strconv.Atoi(port)
	if err != nil || n < 1 || n > 65535 {
		return "", fmt.Errorf("invalid SMTP port %q", p.Port)
	}

	return net.JoinHostPort(host, strconv.Itoa(n)), nil
}

// LogValue keeps credentials out of log records.
func (p Params) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("server", p.Host()),
		slog.String("port", p.Port),
		slog.String("mode", email.NormalizeMode(p.Mode)),
		slog.Bool("credentials", p.Username != ""),
	)
}

// Options configure how connections are made.
type Options struct {
	// HeloName is announced in EHLO. Defaults to "localhost".
	HeloName string

	// InsecureSkipVerify disables certificate verification of the SMTP server.
	InsecureSkipVerify bool

	// RootCAs overrides the system trust store when set.
	RootCAs *x509.CertPool
}

// Dialer opens authenticated SMTP sessions.
type Dialer struct {
	opts   Options
	logger *slog.Logger
}

// NewDialer creates a Dialer. A nil logger uses slog.Default().
func NewDialer(opts Options, logger *slog.Logger) *Dialer {
	if opts.HeloName == "" {
		opts.HeloName = defaultHeloName
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Dialer{opts: opts, logger: logger}
}

// session is an open SMTP client plus the watchdog that enforces the
// attempt's deadline.
type session struct {
	client *smtp.Client
	raw    net.Conn
	stop   func() bool
}

// Close releases the connection. It is safe to call on every outcome.
func (s *session) Close() {
	s.stop()

	if s.client != nil {
		_ = s.client.Close()
		return
	}

	_ = s.raw.Close()
}

// dial connects to the server with the strategy selected by p.Mode and
// authenticates. The whole sequence is bounded by ctx; when ctx expires the
// connection is closed under the running command.
func (d *Dialer) dial(ctx context.Context, p Params) (*session, error) {
	addr, err := p.Addr()
	if err != nil {
		return nil, err
	}

	var nd net.Dialer

	raw, err := nd.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, mailerr.Dial(err)
	}

	s := &session{
		raw:  raw,
		stop: context.AfterFunc(ctx, func() { _ = raw.Close() }),
	}

	if err := d.handshake(ctx, s, p); err != nil {
		s.Close()
		return nil, deadlineErr(ctx, err)
	}

	if err := d.authenticate(s.client, p); err != nil {
		s.Close()
		return nil, deadlineErr(ctx, err)
	}

	return s, nil
}

// handshake brings the session to the point where AUTH may be issued.
func (d *Dialer) handshake(ctx context.Context, s *session, p Params) error {
	tlsConfig := tlsutil.ClientConfig(p.Host(), d.opts.InsecureSkipVerify, d.opts.RootCAs)

	if email.NormalizeMode(p.Mode) == email.ModeImplicitTLS {
		tlsConn := tls.Client(s.raw, tlsConfig)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			return fmt.Errorf("TLS handshake with %s failed: %w", p.Host(), err)
		}

		s.client = smtp.NewClient(tlsConn)

		return s.client.Hello(d.opts.HeloName)
	}

	// NewClientStartTLS greets with the library's default EHLO name, checks
	// the STARTTLS extension and upgrades; the second EHLO uses HeloName.
	c, err := smtp.NewClientStartTLS(s.raw, tlsConfig)
	if err != nil {
		return fmt.Errorf("STARTTLS failed: %w", err)
	}
	s.client = c

	return s.client.Hello(d.opts.HeloName)
}

// authenticate logs in with PLAIN, or LOGIN when that is all the server
// offers. Empty credentials skip AUTH entirely.
func (d *Dialer) authenticate(c *smtp.Client, p Params) error {
	if p.Username == "" && p.Password == "" {
		return nil
	}

	var mech sasl.Client
	if !c.SupportsAuth(sasl.Plain) && c.SupportsAuth(sasl.Login) {
		mech = sasl.NewLoginClient(p.Username, p.Password)
	} else {
		mech = sasl.NewPlainClient("", p.Username, p.Password)
	}

	return c.Auth(mech)
}

// deadlineErr annotates errors caused by the watchdog closing the connection
// or by a per-command network timeout.
func deadlineErr(ctx context.Context, err error) error {
	if ctx.Err() == nil && !mailerr.IsTimeout(err) {
		return err
	}

	return fmt.Errorf("SMTP server did not respond in time: %w", err)
}
