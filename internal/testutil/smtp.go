package testutil

import (
	"io"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.com/vdavid/mailsync/internal/crypto"
	"github.com/vdavid/mailsync/internal/models"
)

// ReceivedMessage is one message accepted by the in-memory SMTP backend.
type ReceivedMessage struct {
	From string
	To   []string
	Data []byte
}

// SMTPBackend collects delivered messages in memory. It accepts any
// credentials. SetDataError makes subsequent DATA commands fail, for
// exercising delivery error paths.
type SMTPBackend struct {
	mu       sync.Mutex
	messages []*ReceivedMessage
	dataErr  error
}

// NewSession implements smtp.Backend.
func (b *SMTPBackend) NewSession(*smtp.Conn) (smtp.Session, error) {
	return &smtpSession{backend: b}, nil
}

// Messages returns a copy of everything received so far.
func (b *SMTPBackend) Messages() []*ReceivedMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*ReceivedMessage(nil), b.messages...)
}

// SetDataError makes every following DATA command fail with err. Pass nil
// to accept messages again.
func (b *SMTPBackend) SetDataError(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dataErr = err
}

type smtpSession struct {
	backend *SMTPBackend
	from    string
	to      []string
}

func (s *smtpSession) AuthMechanisms() []string {
	return []string{sasl.Plain}
}

func (s *smtpSession) Auth(mech string) (sasl.Server, error) {
	return sasl.NewPlainServer(func(identity, username, password string) error {
		return nil
	}), nil
}

func (s *smtpSession) Mail(from string, opts *smtp.MailOptions) error {
	s.from = from
	return nil
}

func (s *smtpSession) Rcpt(to string, opts *smtp.RcptOptions) error {
	s.to = append(s.to, to)
	return nil
}

func (s *smtpSession) Data(r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}

	s.backend.mu.Lock()
	defer s.backend.mu.Unlock()

	if s.backend.dataErr != nil {
		return s.backend.dataErr
	}

	s.backend.messages = append(s.backend.messages, &ReceivedMessage{
		From: s.from,
		To:   s.to,
		Data: data,
	})
	return nil
}

func (s *smtpSession) Reset() {
	s.from = ""
	s.to = nil
}

func (s *smtpSession) Logout() error {
	return nil
}

// SMTPServer is an in-memory SMTP server for tests.
type SMTPServer struct {
	Addr    string
	Backend *SMTPBackend

	server *smtp.Server
}

// StartSMTPServer starts an SMTP server on a random localhost port and
// registers cleanup with t.
func StartSMTPServer(t *testing.T) *SMTPServer {
	t.Helper()

	be := &SMTPBackend{}
	s := smtp.NewServer(be)
	s.AllowInsecureAuth = true
	s.Domain = "localhost"

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}

	go func() {
		if err := s.Serve(listener); err != nil {
			t.Logf("SMTP server error: %v", err)
		}
	}()

	time.Sleep(100 * time.Millisecond)

	t.Cleanup(func() {
		_ = s.Close()
	})

	return &SMTPServer{
		Addr:    listener.Addr().String(),
		Backend: be,
		server:  s,
	}
}

// ConfigureAccount fills an account's SMTP settings to point at this server.
func (s *SMTPServer) ConfigureAccount(t *testing.T, account *models.Account, encryptor *crypto.Encryptor) {
	t.Helper()

	host, portStr, err := net.SplitHostPort(s.Addr)
	if err != nil {
		t.Fatalf("Failed to split server address %q: %v", s.Addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("Invalid port %q: %v", portStr, err)
	}

	account.SMTPSecurity = models.SecurityPlain
	account.SMTPServer = host
	account.SMTPPort = port
	account.SMTPUsername = account.Email
	account.EncryptedSMTPPassword = Encrypt(t, encryptor, "password")
}
