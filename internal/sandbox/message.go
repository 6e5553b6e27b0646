package sandbox

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"strings"

	"github.com/emersion/go-message/mail"
)

// Message is a captured message. From and Recipients come from the SMTP
// envelope; the remaining fields are read from the message itself.
type Message struct {
	From       string
	Recipients []string

	HeaderFrom string
	HeaderTo   string
	Subject    string
	MessageID  string
	MediaType  string

	// Parts lists the media type of every inline part in order.
	Parts    []string
	HTMLBody string
	TextBody string

	Raw []byte
}

// parseMessage extracts headers and inline bodies. A message that cannot be
// parsed is still captured with its raw bytes.
func parseMessage(raw []byte, logger *slog.Logger) Message {
	msg := Message{Raw: raw}

	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil && mr == nil {
		logger.Warn("failed to parse captured message", "error", err)
		return msg
	}
	defer mr.Close()

	msg.HeaderFrom = mr.Header.Get("From")
	msg.HeaderTo = mr.Header.Get("To")
	msg.MessageID, _ = mr.Header.MessageID()
	msg.MediaType, _, _ = mr.Header.ContentType()

	if subject, err := mr.Header.Subject(); err == nil {
		msg.Subject = subject
	} else {
		msg.Subject = mr.Header.Get("Subject")
	}

	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			logger.Warn("failed to read captured message part", "error", err)
			break
		}

		inline, ok := part.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}

		mediaType, _, _ := inline.ContentType()
		msg.Parts = append(msg.Parts, mediaType)

		body, err := io.ReadAll(part.Body)
		if err != nil {
			logger.Warn("failed to read captured message body", "error", err)
			continue
		}

		switch {
		case strings.EqualFold(mediaType, "text/html"):
			msg.HTMLBody = string(body)
		case strings.EqualFold(mediaType, "text/plain"):
			msg.TextBody = string(body)
		}
	}

	return msg
}
