// Package email defines the composition data model and renders it into an
// RFC 5322 message.
package email

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
)

const (
	// ModeStartTLS opens a plaintext connection and upgrades it with STARTTLS.
	ModeStartTLS = "plain-starttls"

	// ModeImplicitTLS wraps the connection in TLS before the SMTP greeting.
	ModeImplicitTLS = "implicit-tls"

	// DefaultPort is used when the form leaves the port empty.
	DefaultPort = "587"
)

// Composition is the in-progress email held between preview and send. It is
// stored exactly as submitted; nothing is validated until send time.
type Composition struct {
	Server         string `json:"smtp_server" form:"smtp_server"`
	Port           string `json:"smtp_port" form:"smtp_port"`
	Username       string `json:"smtp_username" form:"smtp_username"`
	Password       string `json:"smtp_password" form:"smtp_password"`
	ConnectionType string `json:"connection_type" form:"connection_type"`
	FromName       string `json:"from_name" form:"from_name"`
	FromEmail      string `json:"from_email" form:"from_email"`
	Recipients     string `json:"recipient_emails" form:"recipient_emails"`
	Subject        string `json:"subject" form:"subject"`
	HTMLContent    string `json:"html_content" form:"html_content"`
}

// Mode returns the normalized connection type. Anything other than
// implicit-tls means STARTTLS.
func (c *Composition) Mode() string {
	return NormalizeMode(c.ConnectionType)
}

// PortOrDefault returns the trimmed port, or DefaultPort when it is empty.
func (c *Composition) PortOrDefault() string {
	if port := strings.TrimSpace(c.Port); port != "" {
		return port
	}

	return DefaultPort
}

// NormalizeMode maps a submitted connection type onto ModeStartTLS or
// ModeImplicitTLS.
func NormalizeMode(mode string) string {
	if strings.EqualFold(strings.TrimSpace(mode), ModeImplicitTLS) {
		return ModeImplicitTLS
	}

	return ModeStartTLS
}

// Message is a rendered email ready for the SMTP DATA phase.
type Message struct {
	From      string
	To        []string
	Subject   string
	MessageID string
	Data      []byte
}

// FormatSender renders the From header as "Name <address>". A name that is
// not a plain run of atoms is quoted, or RFC 2047 encoded when it is not
// ASCII.
func FormatSender(name, address string) string {
	name = stripLineBreaks(strings.TrimSpace(name))
	address = stripLineBreaks(strings.TrimSpace(address))

	if name == "" {
		return address
	}

	if isPlainPhrase(name) {
		return name + " <" + address + ">"
	}

	return (&mail.Address{Name: name, Address: address}).String()
}

// isPlainPhrase reports whether name is made of RFC 5322 atoms and spaces
// only, so it can stand unquoted before the angle address.
func isPlainPhrase(name string) bool {
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == ' ':
		case strings.ContainsRune("!#$%&'*+-/=?^_`{|}~", r):
		default:
			return false
		}
	}

	return true
}

// Build renders the composition into a multipart/alternative message with a
// single HTML part, addressed to the given, already validated, recipients.
func Build(c *Composition, to []string, now time.Time) (*Message, error) {
	var h mail.Header

	h.SetDate(now)
	h.Set("MIME-Version", "1.0")
	h.Set("From", FormatSender(c.FromName, c.FromEmail))
	h.Set("To", strings.Join(to, ", "))
	h.SetSubject(stripLineBreaks(c.Subject))

	if err := h.GenerateMessageID(); err != nil {
		return nil, fmt.Errorf("failed to generate message id: %w", err)
	}

	messageID, err := h.MessageID()
	if err != nil {
		return nil, fmt.Errorf("failed to read message id: %w", err)
	}

	var buf bytes.Buffer

	mw, err := mail.CreateInlineWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("failed to create message writer: %w", err)
	}

	var ph mail.InlineHeader
	ph.SetContentType("text/html", map[string]string{"charset": "utf-8"})
	ph.Set("Content-Transfer-Encoding", "quoted-printable")

	part, err := mw.CreatePart(ph)
	if err != nil {
		return nil, fmt.Errorf("failed to create html part: %w", err)
	}

	if _, err := io.WriteString(part, c.HTMLContent); err != nil {
		return nil, fmt.Errorf("failed to write html part: %w", err)
	}

	if err := part.Close(); err != nil {
		return nil, fmt.Errorf("failed to close html part: %w", err)
	}

	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("failed to close message: %w", err)
	}

	return &Message{
		From:      strings.TrimSpace(c.FromEmail),
		To:        to,
		Subject:   c.Subject,
		MessageID: messageID,
		Data:      buf.Bytes(),
	}, nil
}

func stripLineBreaks(s string) string {
	return strings.NewReplacer("\r\n", " ", "\r", " ", "\n", " ").Replace(s)
}
