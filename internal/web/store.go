package web

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gin-contrib/sessions"
	gsessions "github.com/gorilla/sessions"

	"github.com/shineum/mailcomposer/internal/email"
)

const (
	// SessionName is the name of the session cookie.
	SessionName = "mailcomposer_session"

	// sessionFilePrefix is the name prefix gorilla gives session records.
	sessionFilePrefix = "session_"

	compositionKey = "composition"
	flashSuccess   = "success"
	flashError     = "error"
)

// SessionOptions configures the server-side session store.
type SessionOptions struct {
	Dir       string
	SecretKey string
	MaxAge    time.Duration
	Secure    bool
}

// filesystemStore adapts a gorilla FilesystemStore to gin-contrib/sessions.
type filesystemStore struct {
	*gsessions.FilesystemStore
}

func (s *filesystemStore) Options(options sessions.Options) {
	s.FilesystemStore.Options = options.ToGorillaOptions()
}

// NewSessionStore creates a store that keeps session records as files under
// opts.Dir. The cookie carries only the signed session ID; the record on
// disk is signed and encrypted with keys derived from opts.SecretKey.
func NewSessionStore(opts SessionOptions) (sessions.Store, error) {
	if opts.SecretKey == "" {
		return nil, fmt.Errorf("session secret key must not be empty")
	}

	if err := os.MkdirAll(opts.Dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create session directory: %w", err)
	}

	blockKey := sha256.Sum256([]byte(opts.SecretKey))

	fs := gsessions.NewFilesystemStore(opts.Dir, []byte(opts.SecretKey), blockKey[:])
	// Compositions carry arbitrary HTML bodies.
	fs.MaxLength(0)
	fs.MaxAge(int(opts.MaxAge.Seconds()))

	store := &filesystemStore{FilesystemStore: fs}
	store.Options(sessions.Options{
		Path:     "/",
		MaxAge:   int(opts.MaxAge.Seconds()),
		Secure:   opts.Secure,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})

	return store, nil
}

// SweepSessions removes session records in dir that have not been written
// for longer than maxAge. The filesystem store never deletes expired records
// itself, and they hold SMTP credentials. It returns the number removed.
func SweepSessions(dir string, maxAge time.Duration, now time.Time) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("failed to list session directory: %w", err)
	}

	var (
		removed int
		errs    []error
	)

	for _, entry := range entries {
		if !entry.Type().IsRegular() || !strings.HasPrefix(entry.Name(), sessionFilePrefix) {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				errs = append(errs, err)
			}
			continue
		}

		if now.Sub(info.ModTime()) <= maxAge {
			continue
		}

		if err := os.Remove(filepath.Join(dir, entry.Name())); err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				errs = append(errs, err)
			}
			continue
		}
		removed++
	}

	return removed, errors.Join(errs...)
}

// RunSessionSweeper calls SweepSessions every interval until ctx is done.
func RunSessionSweeper(ctx context.Context, dir string, maxAge, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			removed, err := SweepSessions(dir, maxAge, now)
			if err != nil {
				logger.Warn("failed to sweep expired sessions", "error", err)
			}
			if removed > 0 {
				logger.Debug("removed expired sessions", "count", removed)
			}
		}
	}
}

// compositionStore keeps the composition in the session record as a JSON
// document. Writes are saved immediately.
type compositionStore struct {
	session sessions.Session
}

func (s compositionStore) Get() (*email.Composition, error) {
	raw, ok := s.session.Get(compositionKey).(string)
	if !ok || raw == "" {
		return nil, nil
	}

	var c email.Composition
	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		return nil, fmt.Errorf("failed to decode composition: %w", err)
	}

	return &c, nil
}

func (s compositionStore) Set(c *email.Composition) error {
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to encode composition: %w", err)
	}

	s.session.Set(compositionKey, string(data))

	return s.session.Save()
}

func (s compositionStore) Delete() error {
	s.session.Delete(compositionKey)

	return s.session.Save()
}

func addFlash(session sessions.Session, category, message string) {
	session.AddFlash(message, "_flash_"+category)
}

func flashes(session sessions.Session, category string) []string {
	var out []string

	for _, v := range session.Flashes("_flash_" + category) {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}

	return out
}
