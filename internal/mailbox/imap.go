// Package mailbox is the protocol layer: it opens, authenticates, and drives
// IMAP and SMTP sessions for one account. Every network failure is classified
// here, at the point of detection, so callers can apply a uniform
// reconnect/backoff policy without inspecting error text.
package mailbox

import (
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"

	"github.com/vdavid/mailsync/internal/fault"
	"github.com/vdavid/mailsync/internal/models"
)

// dialTimeout bounds the initial TCP connect.
const dialTimeout = 5 * time.Second

// IMAPSession is an authenticated IMAP connection with a selected folder.
// A session is owned by exactly one caller at a time; it is never shared
// between goroutines.
type IMAPSession struct {
	client *client.Client
}

// DialIMAP opens an IMAP connection for the account, negotiating security as
// override > account configuration. An empty override uses the account's
// configured mode.
func DialIMAP(account *models.Account, password string, override models.SecurityMode) (*IMAPSession, error) {
	mode := account.IMAPSecurity
	if override != "" {
		mode = override
	}

	addr := net.JoinHostPort(account.IMAPServer, fmt.Sprintf("%d", account.IMAPPort))
	dialer := &net.Dialer{Timeout: dialTimeout}

	var c *client.Client
	var err error

	switch mode {
	case models.SecuritySSL:
		c, err = client.DialWithDialerTLS(dialer, addr, &tls.Config{ServerName: account.IMAPServer})
	case models.SecurityStartTLS:
		c, err = client.DialWithDialer(dialer, addr)
		if err == nil {
			if tlsErr := c.StartTLS(&tls.Config{ServerName: account.IMAPServer}); tlsErr != nil {
				_ = c.Logout()
				err = tlsErr
			}
		}
	default:
		c, err = client.DialWithDialer(dialer, addr)
	}

	if err != nil {
		return nil, fault.New(fault.KindTransport, "imap dial", err)
	}

	if err := c.Login(account.IMAPUsername, password); err != nil {
		_ = c.Logout()
		return nil, fault.New(fault.KindAuth, "imap login", err)
	}

	return &IMAPSession{client: c}, nil
}

// SelectFolder selects the given folder for subsequent operations.
func (s *IMAPSession) SelectFolder(name string) error {
	if _, err := s.client.Select(name, false); err != nil {
		return fault.New(fault.KindTransport, "imap select", err)
	}
	return nil
}

// SearchUnseen returns the UIDs of messages without the \Seen flag in the
// selected folder, in mailbox order.
func (s *IMAPSession) SearchUnseen() ([]uint32, error) {
	criteria := imap.NewSearchCriteria()
	criteria.WithoutFlags = []string{imap.SeenFlag}

	uids, err := s.client.UidSearch(criteria)
	if err != nil {
		return nil, fault.New(fault.KindTransport, "imap search", err)
	}
	return uids, nil
}

// FetchRaw fetches the complete RFC 822 bytes of one message by UID.
func (s *IMAPSession) FetchRaw(uid uint32) ([]byte, error) {
	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uid)

	section := &imap.BodySectionName{}
	items := []imap.FetchItem{section.FetchItem(), imap.FetchUid}

	messages := make(chan *imap.Message, 1)
	done := make(chan error, 1)
	go func() {
		done <- s.client.UidFetch(seqSet, items, messages)
	}()

	msg := <-messages
	if err := <-done; err != nil {
		return nil, fault.New(fault.KindTransport, "imap fetch", err)
	}
	if msg == nil {
		return nil, fault.Newf(fault.KindProtocol, "imap fetch", "server returned no message for UID %d", uid)
	}

	body := msg.GetBody(section)
	if body == nil {
		return nil, fault.Newf(fault.KindProtocol, "imap fetch", "server returned no body for UID %d", uid)
	}

	raw, err := io.ReadAll(body)
	if err != nil {
		return nil, fault.New(fault.KindTransport, "imap fetch", err)
	}
	return raw, nil
}

// Noop sends a NOOP keepalive. Many servers silently drop idle connections
// past ~30 minutes; a failed NOOP means the session is gone.
func (s *IMAPSession) Noop() error {
	if err := s.client.Noop(); err != nil {
		return fault.New(fault.KindTransport, "imap noop", err)
	}
	return nil
}

// Client exposes the underlying go-imap client for the IDLE extension.
func (s *IMAPSession) Client() *client.Client {
	return s.client
}

// Terminate force-closes the underlying connection without a goodbye,
// unblocking any call stuck waiting on a server that stopped answering.
func (s *IMAPSession) Terminate() error {
	if err := s.client.Terminate(); err != nil {
		return fault.New(fault.KindTransport, "imap terminate", err)
	}
	return nil
}

// Logout ends the session. Teardown failures are reported but callers on
// shutdown paths are expected to swallow them.
func (s *IMAPSession) Logout() error {
	if err := s.client.Logout(); err != nil {
		return fault.New(fault.KindTransport, "imap logout", err)
	}
	return nil
}
