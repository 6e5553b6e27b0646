package sandbox

import (
	"io"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
)

var errAuthFailed = &smtp.SMTPError{
	Code:         535,
	EnhancedCode: smtp.EnhancedCode{5, 7, 8},
	Message:      "Authentication credentials invalid",
}

// backend implements smtp.Backend.
type backend struct {
	server *Server
}

var _ smtp.Backend = (*backend)(nil)

func (b *backend) NewSession(conn *smtp.Conn) (smtp.Session, error) {
	_, isTLS := conn.TLSConnectionState()

	b.server.logger.Debug("connection accepted",
		"remote", conn.Conn().RemoteAddr().String(),
		"tls", isTLS,
	)

	return &session{server: b.server}, nil
}

// session is one SMTP conversation.
type session struct {
	server *Server
	authed bool

	from string
	to   []string
}

var _ smtp.AuthSession = (*session)(nil)

func (s *session) AuthMechanisms() []string {
	return []string{sasl.Plain}
}

func (s *session) Auth(mech string) (sasl.Server, error) {
	if mech != sasl.Plain {
		return nil, smtp.ErrAuthUnsupported
	}

	return sasl.NewPlainServer(func(_, username, password string) error {
		if !s.server.checkCredentials(username, password) {
			s.server.logger.Info("AUTH rejected", "username", username)
			return errAuthFailed
		}

		s.authed = true
		s.server.recordLogin()

		return nil
	}), nil
}

func (s *session) Mail(from string, _ *smtp.MailOptions) error {
	if s.server.authRequired() && !s.authed {
		return smtp.ErrAuthRequired
	}

	s.from = from

	return nil
}

func (s *session) Rcpt(to string, _ *smtp.RcptOptions) error {
	s.to = append(s.to, to)

	return nil
}

func (s *session) Data(r io.Reader) error {
	raw, err := io.ReadAll(r)
	if err != nil {
		return err
	}

	msg := parseMessage(raw, s.server.logger)
	msg.From = s.from
	msg.Recipients = append([]string(nil), s.to...)

	s.server.store(msg)

	return nil
}

func (s *session) Reset() {
	s.from = ""
	s.to = nil
}

func (s *session) Logout() error {
	return nil
}
