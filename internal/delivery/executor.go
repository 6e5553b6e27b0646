// Package delivery sends a stored composition: it resolves recipients,
// renders the message, hands it to a transport and clears the composition
// once the server accepted it.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shineum/mailcomposer/internal/email"
	"github.com/shineum/mailcomposer/internal/mailer"
	"github.com/shineum/mailcomposer/internal/mailerr"
	"github.com/shineum/mailcomposer/internal/recipient"
)

// CompositionStore holds at most one composition for the current client.
type CompositionStore interface {
	// Get returns the stored composition, or nil when there is none.
	Get() (*email.Composition, error)
	Set(c *email.Composition) error
	Delete() error
}

// Outcome describes a successful delivery.
type Outcome struct {
	Recipients recipient.List
	MessageID  string
}

// Count returns the number of recipients the message was sent to.
func (o Outcome) Count() int {
	return o.Recipients.Len()
}

// Observer is notified of every send attempt.
type Observer interface {
	ObserveDelivery(transport string, kind string, recipients int, elapsed time.Duration)
}

// Executor runs the send step.
type Executor struct {
	transport mailer.Transport
	observer  Observer
	logger    *slog.Logger
	now       func() time.Time
}

// Option configures an Executor.
type Option func(*Executor)

// WithObserver reports attempts to o.
func WithObserver(o Observer) Option {
	return func(e *Executor) {
		e.observer = o
	}
}

// WithClock overrides the clock used for the Date header.
func WithClock(now func() time.Time) Option {
	return func(e *Executor) {
		e.now = now
	}
}

// New creates an Executor that delivers through transport.
func New(transport mailer.Transport, logger *slog.Logger, opts ...Option) *Executor {
	if logger == nil {
		logger = slog.Default()
	}

	e := &Executor{
		transport: transport,
		logger:    logger,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}

	return e
}

// Send delivers the composition held by store. The composition is deleted
// only after the transport succeeded; on any failure it stays in place so the
// user can retry. Calling Send twice on a present composition sends twice.
func (e *Executor) Send(ctx context.Context, store CompositionStore) (Outcome, error) {
	start := time.Now()

	outcome, err := e.send(ctx, store)

	kind := "success"
	if err != nil {
		kind = mailerr.KindOf(err).String()
	}
	if e.observer != nil {
		e.observer.ObserveDelivery(e.transport.Name(), kind, outcome.Count(), time.Since(start))
	}

	return outcome, err
}

func (e *Executor) send(ctx context.Context, store CompositionStore) (Outcome, error) {
	c, err := store.Get()
	if err != nil {
		e.logger.Warn("failed to load composition", "error", err)
		return Outcome{}, mailerr.New(mailerr.SessionExpired, err)
	}
	if c == nil {
		return Outcome{}, mailerr.New(mailerr.SessionExpired, errors.New("no composition in session"))
	}

	recipients, err := recipient.Resolve(c.Recipients)
	if err != nil {
		return Outcome{}, mailerr.Classify(err)
	}

	msg, err := email.Build(c, recipients, e.now())
	if err != nil {
		return Outcome{}, mailerr.New(mailerr.Unclassified, err)
	}

	params := mailer.ParamsFrom(c)
	logger := e.logger.With("smtp", params, "transport", e.transport.Name(), "message_id", msg.MessageID)

	if err := e.transport.Deliver(ctx, params, msg); err != nil {
		classified := mailerr.Classify(err)
		logger.Warn("delivery failed", "outcome", classified.Kind.String(), "error", err)

		return Outcome{}, classified
	}

	logger.Info("delivery succeeded", "recipients", recipients.Len())

	if err := store.Delete(); err != nil {
		// The message is already out; report success regardless.
		logger.Error("failed to clear composition after delivery", "error", err)
	}

	return Outcome{Recipients: recipients, MessageID: msg.MessageID}, nil
}

// Describe returns the confirmation text for a successful outcome.
func Describe(o Outcome) string {
	if o.Count() == 1 {
		return "Email sent successfully to 1 recipient!"
	}

	return fmt.Sprintf("Email sent successfully to %d recipients!", o.Count())
}
