package mailer

import (
	"context"
	"time"

	"github.com/shineum/mailcomposer/internal/mailerr"
)

const successMessage = "Connection successful! SMTP credentials are valid."

// Result is the verdict of a connection test.
type Result struct {
	Success bool
	Kind    string
	Message string
}

// Tester checks SMTP connection parameters without sending mail.
type Tester struct {
	dialer  *Dialer
	timeout time.Duration
}

// NewTester creates a Tester bounded by timeout. A non-positive timeout uses
// DefaultTestTimeout.
func NewTester(dialer *Dialer, timeout time.Duration) *Tester {
	if timeout <= 0 {
		timeout = DefaultTestTimeout
	}

	return &Tester{dialer: dialer, timeout: timeout}
}

// Test connects, upgrades to TLS as the mode requires and authenticates.
// The connection is always closed. Cancellation of ctx is ignored: the
// attempt runs to completion or until the timeout.
func (t *Tester) Test(ctx context.Context, p Params) Result {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), t.timeout)
	defer cancel()

	start := time.Now()
	logger := t.dialer.logger.With("smtp", p)

	s, err := t.dialer.dial(ctx, p)
	if err != nil {
		classified := mailerr.Classify(err)
		logger.Info("SMTP connection test failed",
			"outcome", classified.Kind.String(),
			"error", err,
			"elapsed", time.Since(start),
		)

		return Result{
			Success: false,
			Kind:    classified.Kind.String(),
			Message: classified.Message(),
		}
	}
	defer s.Close()

	_ = s.client.Quit()

	logger.Info("SMTP connection test succeeded", "elapsed", time.Since(start))

	return Result{Success: true, Kind: "success", Message: successMessage}
}
