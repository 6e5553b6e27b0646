package delivery

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/emersion/go-smtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shineum/mailcomposer/internal/email"
	"github.com/shineum/mailcomposer/internal/mailer"
	"github.com/shineum/mailcomposer/internal/mailerr"
	"github.com/shineum/mailcomposer/internal/sandbox"
	tlsutil "github.com/shineum/mailcomposer/internal/tls"
)

// memoryStore implements CompositionStore for testing.
type memoryStore struct {
	c      *email.Composition
	getErr error
}

func (m *memoryStore) Get() (*email.Composition, error) {
	if m.getErr != nil {
		return nil, m.getErr
	}
	if m.c == nil {
		return nil, nil
	}

	cp := *m.c

	return &cp, nil
}

func (m *memoryStore) Set(c *email.Composition) error {
	cp := *c
	m.c = &cp

	return nil
}

func (m *memoryStore) Delete() error {
	m.c = nil

	return nil
}

// mockTransport implements mailer.Transport for testing.
type mockTransport struct {
	mu      sync.Mutex
	sent    []*email.Message
	params  []mailer.Params
	sendErr error
}

func (m *mockTransport) Deliver(_ context.Context, p mailer.Params, msg *email.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.sendErr != nil {
		return m.sendErr
	}
	m.sent = append(m.sent, msg)
	m.params = append(m.params, p)

	return nil
}

func (m *mockTransport) Name() string {
	return "mock"
}

type recordingObserver struct {
	kinds      []string
	recipients []int
}

func (r *recordingObserver) ObserveDelivery(_ string, kind string, recipients int, _ time.Duration) {
	r.kinds = append(r.kinds, kind)
	r.recipients = append(r.recipients, recipients)
}

func validComposition() *email.Composition {
	return &email.Composition{
		Server:         "smtp.example.com",
		Port:           "",
		Username:       "user",
		Password:       "secret",
		ConnectionType: "implicit-tls",
		FromName:       "Jane Doe",
		FromEmail:      "jane@example.com",
		Recipients:     "a@example.com,\nc@example.org",
		Subject:        "Hello",
		HTMLContent:    "<p>Hi</p>",
	}
}

func TestSend_SuccessClearsComposition(t *testing.T) {
	t.Parallel()

	store := &memoryStore{}
	require.NoError(t, store.Set(validComposition()))

	transport := &mockTransport{}
	observer := &recordingObserver{}
	exec := New(transport, nil, WithObserver(observer))

	outcome, err := exec.Send(context.Background(), store)
	require.NoError(t, err)

	assert.Equal(t, 2, outcome.Count())
	assert.NotEmpty(t, outcome.MessageID)
	assert.Equal(t, "Email sent successfully to 2 recipients!", Describe(outcome))

	c, err := store.Get()
	require.NoError(t, err)
	assert.Nil(t, c, "composition must be removed after a successful send")

	require.Len(t, transport.sent, 1)
	assert.Equal(t, []string{"a@example.com", "c@example.org"}, transport.sent[0].To)
	assert.Equal(t, "jane@example.com", transport.sent[0].From)

	p := transport.params[0]
	assert.Equal(t, "587", p.Port)
	assert.Equal(t, email.ModeImplicitTLS, p.Mode)
	assert.Equal(t, "smtp.example.com", p.Server)

	assert.Equal(t, []string{"success"}, observer.kinds)
	assert.Equal(t, []int{2}, observer.recipients)
}

func TestSend_EmptySessionIsSessionExpired(t *testing.T) {
	t.Parallel()

	store := &memoryStore{}
	transport := &mockTransport{}

	_, err := New(transport, nil).Send(context.Background(), store)

	assert.Equal(t, mailerr.SessionExpired, mailerr.KindOf(err))
	assert.Equal(t, "Session expired. Please fill the form again.", mailerr.Classify(err).Message())
	assert.Nil(t, store.c)
	assert.Empty(t, transport.sent)
}

func TestSend_StoreErrorIsSessionExpired(t *testing.T) {
	t.Parallel()

	store := &memoryStore{getErr: errors.New("securecookie: the value is not valid")}

	_, err := New(&mockTransport{}, nil).Send(context.Background(), store)
	assert.Equal(t, mailerr.SessionExpired, mailerr.KindOf(err))
}

func TestSend_InvalidRecipientsAbortBeforeTransport(t *testing.T) {
	t.Parallel()

	c := validComposition()
	c.Recipients = "a@example.com, bad-address\nc@example.org"

	store := &memoryStore{}
	require.NoError(t, store.Set(c))
	transport := &mockTransport{}

	_, err := New(transport, nil).Send(context.Background(), store)

	classified := mailerr.Classify(err)
	require.NotNil(t, classified)
	assert.Equal(t, mailerr.ValidationFailed, classified.Kind)
	assert.Equal(t, []string{"bad-address"}, classified.Invalid)
	assert.Equal(t, "Invalid email address(es): bad-address", classified.Message())

	assert.Empty(t, transport.sent)
	assert.NotNil(t, store.c, "composition must survive a validation failure")
}

func TestSend_NoRecipients(t *testing.T) {
	t.Parallel()

	c := validComposition()
	c.Recipients = "  \n "

	store := &memoryStore{}
	require.NoError(t, store.Set(c))

	_, err := New(&mockTransport{}, nil).Send(context.Background(), store)
	assert.Equal(t, mailerr.ValidationFailed, mailerr.KindOf(err))
}

func TestSend_TransportFailureKeepsComposition(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want mailerr.Kind
	}{
		{"auth", &smtp.SMTPError{Code: 535, EnhancedCode: smtp.EnhancedCode{5, 7, 8}, Message: "no"}, mailerr.AuthenticationFailed},
		{"connect", mailerr.Dial(&net.OpError{Op: "dial", Err: errors.New("refused")}), mailerr.ConnectionFailed},
		{"other", errors.New("unexpected EOF"), mailerr.Unclassified},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			store := &memoryStore{}
			require.NoError(t, store.Set(validComposition()))

			observer := &recordingObserver{}
			_, err := New(&mockTransport{sendErr: tt.err}, nil, WithObserver(observer)).Send(context.Background(), store)

			assert.Equal(t, tt.want, mailerr.KindOf(err))
			assert.NotNil(t, store.c)
			assert.Equal(t, []string{tt.want.String()}, observer.kinds)
		})
	}
}

func TestSend_NotIdempotent(t *testing.T) {
	t.Parallel()

	c := validComposition()
	transport := &mockTransport{}
	exec := New(transport, nil)

	// The same composition is present for both calls, as when a client
	// replays the send step before the first response arrives.
	for range 2 {
		store := &memoryStore{}
		require.NoError(t, store.Set(c))

		_, err := exec.Send(context.Background(), store)
		require.NoError(t, err)
	}

	assert.Len(t, transport.sent, 2, "each send of a present composition delivers again")
}

func TestSend_DuplicateRecipientsAreKept(t *testing.T) {
	t.Parallel()

	c := validComposition()
	c.Recipients = "a@example.com, a@example.com"

	store := &memoryStore{}
	require.NoError(t, store.Set(c))
	transport := &mockTransport{}

	outcome, err := New(transport, nil).Send(context.Background(), store)
	require.NoError(t, err)

	assert.Equal(t, 2, outcome.Count())
	assert.Equal(t, []string{"a@example.com", "a@example.com"}, transport.sent[0].To)
}

func TestDescribe_Singular(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "Email sent successfully to 1 recipient!", Describe(Outcome{Recipients: []string{"a@example.com"}}))
}

func TestSend_EndToEndThroughSandbox(t *testing.T) {
	t.Parallel()

	serverTLS, err := tlsutil.LoadOrGenerateTLS("", "", "localhost", "127.0.0.1")
	require.NoError(t, err)

	srv := sandbox.New(sandbox.Config{
		Addr:      "127.0.0.1:0",
		TLSAddr:   "127.0.0.1:0",
		TLSConfig: serverTLS,
		Username:  "user",
		Password:  "secret",
	})
	require.NoError(t, srv.Start())
	t.Cleanup(func() { _ = srv.Close() })

	pool, err := tlsutil.CertPool(serverTLS)
	require.NoError(t, err)

	dialer := mailer.NewDialer(mailer.Options{RootCAs: pool}, nil)
	exec := New(mailer.NewSMTPTransport(dialer, 5*time.Second), nil)

	for _, mode := range []string{email.ModeStartTLS, email.ModeImplicitTLS} {
		addr := srv.Addr()
		if mode == email.ModeImplicitTLS {
			addr = srv.TLSAddr()
		}
		host, port, err := net.SplitHostPort(addr)
		require.NoError(t, err)

		c := validComposition()
		c.Server = host
		c.Port = port
		c.ConnectionType = mode

		store := &memoryStore{}
		require.NoError(t, store.Set(c))

		outcome, err := exec.Send(context.Background(), store)
		require.NoError(t, err, mode)
		assert.Equal(t, 2, outcome.Count())
		assert.Nil(t, store.c)
	}

	msgs := srv.Messages()
	require.Len(t, msgs, 2)

	for _, msg := range msgs {
		assert.Equal(t, "jane@example.com", msg.From)
		assert.Equal(t, []string{"a@example.com", "c@example.org"}, msg.Recipients)
		assert.Equal(t, "a@example.com, c@example.org", msg.HeaderTo)
		assert.Equal(t, "Jane Doe <jane@example.com>", msg.HeaderFrom)
		assert.Equal(t, "Hello", msg.Subject)
		assert.Equal(t, []string{"text/html"}, msg.Parts)
		assert.Equal(t, "<p>Hi</p>", msg.HTMLBody)
	}
}
