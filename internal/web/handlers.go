package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"

	"github.com/shineum/mailcomposer/internal/delivery"
	"github.com/shineum/mailcomposer/internal/email"
	"github.com/shineum/mailcomposer/internal/mailer"
	"github.com/shineum/mailcomposer/internal/mailerr"
	"github.com/shineum/mailcomposer/internal/recipient"
)

// connectionRequest is the body of POST /test-connection.
type connectionRequest struct {
	Server         string    `json:"smtp_server" validate:"required"`
	Port           portValue `json:"smtp_port" validate:"omitempty,numeric"`
	Username       string    `json:"smtp_username"`
	Password       string    `json:"smtp_password"`
	ConnectionType string    `json:"connection_type"`
}

// portValue accepts the port as a JSON string or number.
type portValue string

func (p *portValue) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*p = ""
		return nil
	}

	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*p = portValue(strings.TrimSpace(s))
		return nil
	}

	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return errors.New("smtp_port must be a string or a number")
	}
	*p = portValue(n.String())

	return nil
}

type connectionResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

func (s *Server) index(c *gin.Context) {
	session := sessions.Default(c)

	successes := flashes(session, flashSuccess)
	failures := flashes(session, flashError)

	composition, err := compositionStore{session}.Get()
	if err != nil {
		s.logger.Debug("ignoring unreadable composition", "error", err)
	}
	if composition == nil {
		composition = &email.Composition{Port: email.DefaultPort, ConnectionType: email.ModeStartTLS}
	}

	if err := session.Save(); err != nil {
		s.logger.Warn("failed to save session", "error", err)
	}

	c.HTML(http.StatusOK, "index.html", gin.H{
		"Successes":   successes,
		"Errors":      failures,
		"Composition":    composition,
		"PasswordStored": composition.Password != "",
		"Modes":          []string{email.ModeStartTLS, email.ModeImplicitTLS},
	})
}

func (s *Server) preview(c *gin.Context) {
	session := sessions.Default(c)

	var composition email.Composition
	if err := c.ShouldBind(&composition); err != nil {
		s.redirectWithError(c, session, fmt.Sprintf("Error: %v", err))
		return
	}

	if composition.Password == "" {
		composition.Password = s.storedPassword(session, composition.Server, composition.Username)
	}

	if err := (compositionStore{session}).Set(&composition); err != nil {
		s.logger.Error("failed to store composition", "error", err)
		s.redirectWithError(c, session, "Error: could not store the composition. Please try again.")
		return
	}

	c.HTML(http.StatusOK, "preview.html", gin.H{
		"Composition": &composition,
		"Sender":      email.FormatSender(composition.FromName, composition.FromEmail),
		"SenderValid": recipient.Valid(strings.TrimSpace(composition.FromEmail)),
	})
}

func (s *Server) testConnection(c *gin.Context) {
	var req connectionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, connectionResponse{Message: "Error: invalid request body"})
		return
	}

	req.Server = strings.TrimSpace(req.Server)

	if err := s.validate.Struct(req); err != nil {
		c.JSON(http.StatusBadRequest, connectionResponse{Message: validationMessage(err)})
		return
	}

	if req.Password == "" {
		req.Password = s.storedPassword(sessions.Default(c), req.Server, req.Username)
	}

	result := s.tester.Test(c.Request.Context(), mailer.Params{
		Server:   req.Server,
		Port:     string(req.Port),
		Username: req.Username,
		Password: req.Password,
		Mode:     email.NormalizeMode(req.ConnectionType),
	})

	if s.metrics != nil {
		s.metrics.ObserveConnectionTest(result.Kind)
	}

	c.JSON(http.StatusOK, connectionResponse{Success: result.Success, Message: result.Message})
}

func (s *Server) send(c *gin.Context) {
	session := sessions.Default(c)

	outcome, err := s.executor.Send(c.Request.Context(), compositionStore{session})
	if err != nil {
		s.redirectWithError(c, session, mailerr.Classify(err).Message())
		return
	}

	c.HTML(http.StatusOK, "success.html", gin.H{
		"Message":    delivery.Describe(outcome),
		"Count":      outcome.Count(),
		"Recipients": outcome.Recipients,
		"MessageID":  outcome.MessageID,
	})
}

func (s *Server) healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) serviceWorker(c *gin.Context) {
	c.Header("Service-Worker-Allowed", "/")
	c.Header("Cache-Control", "no-cache")
	c.Data(http.StatusOK, "application/javascript; charset=utf-8", s.worker)
}

// storedPassword returns the password of the stored composition when it was
// entered for the same server and username. The form never renders it back,
// so an empty password field means "keep the stored one".
func (s *Server) storedPassword(session sessions.Session, server, username string) string {
	stored, err := compositionStore{session}.Get()
	if err != nil || stored == nil {
		return ""
	}

	if !strings.EqualFold(strings.TrimSpace(stored.Server), strings.TrimSpace(server)) ||
		stored.Username != username {
		return ""
	}

	return stored.Password
}

func (s *Server) redirectWithError(c *gin.Context, session sessions.Session, message string) {
	addFlash(session, flashError, message)
	if err := session.Save(); err != nil {
		s.logger.Warn("failed to save session", "error", err)
	}

	c.Redirect(http.StatusSeeOther, "/")
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return fmt.Sprintf("Error: %v", err)
	}

	switch verrs[0].Field() {
	case "smtp_server":
		return "SMTP server is required."
	case "smtp_port":
		return "SMTP port must be a number."
	default:
		return fmt.Sprintf("Error: invalid %s", verrs[0].Field())
	}
}
