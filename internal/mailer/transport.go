package mailer

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/shineum/mailcomposer/internal/email"
)

// Transport is the interface that delivery backends must implement.
type Transport interface {
	// Deliver transmits msg to the server described by p.
	Deliver(ctx context.Context, p Params, msg *email.Message) error

	// Name returns the human-readable name of this transport.
	Name() string
}

// SMTPTransport delivers through the user's SMTP server.
type SMTPTransport struct {
	dialer  *Dialer
	timeout time.Duration
}

// NewSMTPTransport creates an SMTPTransport bounded by timeout. A
// non-positive timeout uses DefaultSendTimeout.
func NewSMTPTransport(dialer *Dialer, timeout time.Duration) *SMTPTransport {
	if timeout <= 0 {
		timeout = DefaultSendTimeout
	}

	return &SMTPTransport{dialer: dialer, timeout: timeout}
}

// Deliver connects and authenticates exactly as a connection test does, then
// runs MAIL, one RCPT per recipient and DATA. Cancellation of ctx is ignored:
// a client that goes away does not abort an in-flight transaction.
func (t *SMTPTransport) Deliver(ctx context.Context, p Params, msg *email.Message) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), t.timeout)
	defer cancel()

	s, err := t.dialer.dial(ctx, p)
	if err != nil {
		return err
	}
	defer s.Close()

	if err := s.client.Mail(msg.From, nil); err != nil {
		return deadlineErr(ctx, fmt.Errorf("MAIL FROM rejected: %w", err))
	}

	for _, rcpt := range msg.To {
		if err := s.client.Rcpt(rcpt, nil); err != nil {
			return deadlineErr(ctx, fmt.Errorf("RCPT TO <%s> rejected: %w", rcpt, err))
		}
	}

	w, err := s.client.Data()
	if err != nil {
		return deadlineErr(ctx, fmt.Errorf("DATA rejected: %w", err))
	}

	if _, err := w.Write(msg.Data); err != nil {
		_ = w.Close()
		return deadlineErr(ctx, fmt.Errorf("failed to write message: %w", err))
	}

	if err := w.Close(); err != nil {
		return deadlineErr(ctx, fmt.Errorf("message rejected: %w", err))
	}

	// The message is accepted at this point; some servers drop the
	// connection right after DATA.
	if err := s.client.Quit(); err != nil {
		t.dialer.logger.Debug("QUIT failed after delivery", "error", err)
	}

	return nil
}

// Name returns the transport name.
func (t *SMTPTransport) Name() string {
	return "smtp"
}

// WriterTransport prints messages instead of sending them. It never contacts
// a server.
type WriterTransport struct {
	// writer is the output destination, defaulting to os.Stdout.
	writer io.Writer
	logger *slog.Logger
}

// NewWriterTransport creates a WriterTransport that writes to os.Stdout.
func NewWriterTransport(logger *slog.Logger) *WriterTransport {
	return NewWriterTransportWithWriter(os.Stdout, logger)
}

// NewWriterTransportWithWriter creates a WriterTransport that writes to w.
func NewWriterTransportWithWriter(w io.Writer, logger *slog.Logger) *WriterTransport {
	if logger == nil {
		logger = slog.Default()
	}

	return &WriterTransport{writer: w, logger: logger}
}

// Deliver writes the envelope and the raw message.
func (t *WriterTransport) Deliver(_ context.Context, p Params, msg *email.Message) error {
	var b strings.Builder

	b.WriteString("========================================\n")
	fmt.Fprintf(&b, "Server: %s:%s (%s)\n", p.Host(), p.Port, email.NormalizeMode(p.Mode))
	fmt.Fprintf(&b, "MAIL FROM: <%s>\n", msg.From)
	for _, rcpt := range msg.To {
		fmt.Fprintf(&b, "RCPT TO: <%s>\n", rcpt)
	}
	b.WriteString("----------------------------------------\n")
	b.Write(msg.Data)
	if !strings.HasSuffix(b.String(), "\n") {
		b.WriteString("\n")
	}
	b.WriteString("========================================\n")

	if _, err := io.WriteString(t.writer, b.String()); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}

	t.logger.Info("dry run delivery written",
		"message_id", msg.MessageID,
		"recipients", len(msg.To),
	)

	return nil
}

// Name returns the transport name.
func (t *WriterTransport) Name() string {
	return "dry-run"
}
