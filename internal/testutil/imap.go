package testutil

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/backend/memory"
	imapclient "github.com/emersion/go-imap/client"
	"github.com/emersion/go-imap/server"

	"github.com/vdavid/mailsync/internal/crypto"
	"github.com/vdavid/mailsync/internal/models"
)

// IMAPServer is an in-memory IMAP server for tests. The memory backend ships
// with a single user ("username"/"password") whose INBOX holds one already
// seen message, so unseen searches start empty.
type IMAPServer struct {
	Addr    string
	Backend *memory.Backend

	server *server.Server
}

// StartIMAPServer starts an IMAP server on a random localhost port and
// registers cleanup with t.
func StartIMAPServer(t *testing.T) *IMAPServer {
	t.Helper()

	be := memory.New()
	s := server.New(be)
	s.AllowInsecureAuth = true

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}

	go func() {
		if err := s.Serve(listener); err != nil {
			t.Logf("IMAP server error: %v", err)
		}
	}()

	// Give the listener goroutine a moment to come up.
	time.Sleep(100 * time.Millisecond)

	t.Cleanup(func() {
		_ = s.Close()
	})

	return &IMAPServer{
		Addr:    listener.Addr().String(),
		Backend: be,
		server:  s,
	}
}

// Account returns an account configured against this server with an
// encrypted copy of the backend's fixed password.
func (s *IMAPServer) Account(t *testing.T, encryptor *crypto.Encryptor) *models.Account {
	t.Helper()

	host, portStr, err := net.SplitHostPort(s.Addr)
	if err != nil {
		t.Fatalf("Failed to split server address %q: %v", s.Addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("Invalid port %q: %v", portStr, err)
	}

	return &models.Account{
		ID:                    "test-account",
		Email:                 "tester@example.com",
		Name:                  "Tester",
		IMAPSecurity:          models.SecurityPlain,
		IMAPServer:            host,
		IMAPPort:              port,
		IMAPUsername:          "username",
		EncryptedIMAPPassword: Encrypt(t, encryptor, "password"),
		IsActive:              true,
	}
}

// connect logs a fresh client into the server.
func (s *IMAPServer) connect(t *testing.T) *imapclient.Client {
	t.Helper()

	c, err := imapclient.Dial(s.Addr)
	if err != nil {
		t.Fatalf("Failed to connect to test server: %v", err)
	}
	if err := c.Login("username", "password"); err != nil {
		_ = c.Logout()
		t.Fatalf("Failed to login: %v", err)
	}
	return c
}

// AppendRaw appends raw message bytes to the folder without the \Seen flag,
// so a subsequent unseen search finds it.
func (s *IMAPServer) AppendRaw(t *testing.T, folder string, raw []byte) {
	t.Helper()

	c := s.connect(t)
	defer func() { _ = c.Logout() }()

	if err := c.Append(folder, nil, time.Now(), strings.NewReader(string(raw))); err != nil {
		t.Fatalf("Failed to append message: %v", err)
	}
}

// AppendMessage builds a minimal plain-text message with the given headers
// and appends it unseen to the folder.
func (s *IMAPServer) AppendMessage(t *testing.T, folder, messageID, from, to, subject, body string, headers map[string]string) {
	t.Helper()

	var sb strings.Builder
	fmt.Fprintf(&sb, "Message-ID: %s\r\n", messageID)
	fmt.Fprintf(&sb, "Date: %s\r\n", time.Now().Format(time.RFC1123Z))
	fmt.Fprintf(&sb, "From: %s\r\n", from)
	fmt.Fprintf(&sb, "To: %s\r\n", to)
	fmt.Fprintf(&sb, "Subject: %s\r\n", subject)
	for name, value := range headers {
		fmt.Fprintf(&sb, "%s: %s\r\n", name, value)
	}
	sb.WriteString("Content-Type: text/plain; charset=utf-8\r\n\r\n")
	sb.WriteString(body)
	sb.WriteString("\r\n")

	s.AppendRaw(t, folder, []byte(sb.String()))
}

// MarkAllSeen flags every message in the folder as seen.
func (s *IMAPServer) MarkAllSeen(t *testing.T, folder string) {
	t.Helper()

	c := s.connect(t)
	defer func() { _ = c.Logout() }()

	mbox, err := c.Select(folder, false)
	if err != nil {
		t.Fatalf("Failed to select folder: %v", err)
	}
	if mbox.Messages == 0 {
		return
	}

	seqSet := new(imap.SeqSet)
	seqSet.AddRange(1, mbox.Messages)
	item := imap.FormatFlagsOp(imap.AddFlags, true)
	if err := c.Store(seqSet, item, []interface{}{imap.SeenFlag}, nil); err != nil {
		t.Fatalf("Failed to flag messages: %v", err)
	}
}
