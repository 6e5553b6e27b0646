// Package mailerr classifies failures of SMTP tests and deliveries into the
// small set of categories shown to the user.
package mailerr

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/emersion/go-smtp"

	"github.com/shineum/mailcomposer/internal/recipient"
)

// Kind is a failure category.
type Kind int

const (
	Unclassified Kind = iota
	AuthenticationFailed
	ConnectionFailed
	ValidationFailed
	SessionExpired
	// TLSFailed is split out of Unclassified so handshake problems can be
	// told apart from malformed replies.
	TLSFailed
)

// String returns the stable identifier used in logs and metric labels.
func (k Kind) String() string {
	switch k {
	case AuthenticationFailed:
		return "auth_failed"
	case ConnectionFailed:
		return "connect_failed"
	case ValidationFailed:
		return "validation_failed"
	case SessionExpired:
		return "session_expired"
	case TLSFailed:
		return "tls_failed"
	default:
		return "unclassified"
	}
}

// Error is a classified failure.
type Error struct {
	Kind Kind
	Err  error

	// Invalid holds the rejected recipient tokens for ValidationFailed.
	Invalid []string
}

// New wraps err with the given kind.
func New(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Kind.String()
	}

	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Message returns the text shown to the user.
func (e *Error) Message() string {
	switch e.Kind {
	case AuthenticationFailed:
		return "Authentication failed. Please check your username and password."
	case ConnectionFailed:
		return "Could not connect to the SMTP server. Please check the server address and port."
	case ValidationFailed:
		if len(e.Invalid) > 0 {
			return "Invalid email address(es): " + strings.Join(e.Invalid, ", ")
		}

		return "Please provide at least one recipient email address."
	case SessionExpired:
		return "Session expired. Please fill the form again."
	case TLSFailed:
		return "TLS negotiation failed: " + e.cause()
	default:
		return "Error: " + e.cause()
	}
}

func (e *Error) cause() string {
	if e.Err == nil {
		return "unknown error"
	}

	return e.Err.Error()
}

// Is matches another *Error by kind, so errors.Is(err, &Error{Kind: k})
// works as a category test.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}

	return other.Err == nil && other.Kind == e.Kind
}

// KindOf returns the kind of err, classifying it first when needed.
func KindOf(err error) Kind {
	return Classify(err).Kind
}

// Classify maps an arbitrary error into an *Error. Errors that are already
// classified are returned unchanged.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}

	var classified *Error
	if errors.As(err, &classified) {
		return classified
	}

	var invalid *recipient.InvalidError
	if errors.As(err, &invalid) {
		return &Error{Kind: ValidationFailed, Err: err, Invalid: invalid.Invalid}
	}

	if errors.Is(err, recipient.ErrNoRecipients) {
		return New(ValidationFailed, err)
	}

	if errors.Is(err, errDial) {
		return New(ConnectionFailed, err)
	}

	var smtpErr *smtp.SMTPError
	if errors.As(err, &smtpErr) {
		if isAuthReply(smtpErr) {
			return New(AuthenticationFailed, err)
		}

		return New(Unclassified, err)
	}

	if isTLSError(err) {
		return New(TLSFailed, err)
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return New(ConnectionFailed, err)
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return New(ConnectionFailed, err)
	}

	return New(Unclassified, err)
}

// errDial marks failures that happened while establishing the transport.
var errDial = errors.New("dial")

// Dial marks err as a transport establishment failure so Classify reports
// ConnectionFailed regardless of the concrete error type.
func Dial(err error) error {
	if err == nil {
		return nil
	}

	return fmt.Errorf("%w: %w", errDial, err)
}

// isAuthReply reports whether a server reply rejects the credentials.
func isAuthReply(e *smtp.SMTPError) bool {
	switch e.Code {
	case 530, 534, 535:
		return true
	}

	return e.EnhancedCode == smtp.EnhancedCode{5, 7, 8}
}

func isTLSError(err error) bool {
	var (
		recordErr  tls.RecordHeaderError
		alertErr   tls.AlertError
		verifyErr  *tls.CertificateVerificationError
		unknownErr x509.UnknownAuthorityError
		hostErr    x509.HostnameError
		invalidErr x509.CertificateInvalidError
	)

	switch {
	case errors.As(err, &recordErr),
		errors.As(err, &alertErr),
		errors.As(err, &verifyErr),
		errors.As(err, &unknownErr),
		errors.As(err, &hostErr),
		errors.As(err, &invalidErr):
		return true
	}

	return strings.Contains(err.Error(), "tls:")
}

// IsTimeout reports whether err is a deadline or network timeout.
func IsTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}

	var netErr net.Error

	return errors.As(err, &netErr) && netErr.Timeout()
}
