package mailbox

import (
	"bytes"
	"crypto/tls"
	"errors"
	"fmt"
	"net"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.com/vdavid/mailsync/internal/fault"
	"github.com/vdavid/mailsync/internal/models"
)

// SMTPSession is an authenticated SMTP connection ready to transmit.
type SMTPSession struct {
	client *smtp.Client
}

// DialSMTP opens an SMTP connection for the account, negotiating security as
// override > account configuration, and authenticates with AUTH PLAIN when
// the account carries SMTP credentials.
func DialSMTP(account *models.Account, password string, override models.SecurityMode) (*SMTPSession, error) {
	mode := account.SMTPSecurity
	if override != "" {
		mode = override
	}

	addr := net.JoinHostPort(account.SMTPServer, fmt.Sprintf("%d", account.SMTPPort))

	var c *smtp.Client
	var err error

	switch mode {
	case models.SecuritySSL:
		c, err = smtp.DialTLS(addr, &tls.Config{ServerName: account.SMTPServer})
	case models.SecurityStartTLS:
		c, err = smtp.DialStartTLS(addr, &tls.Config{ServerName: account.SMTPServer})
	default:
		c, err = smtp.Dial(addr)
	}

	if err != nil {
		return nil, fault.New(fault.KindTransport, "smtp dial", err)
	}

	if account.SMTPUsername != "" && password != "" {
		auth := sasl.NewPlainClient("", account.SMTPUsername, password)
		if err := c.Auth(auth); err != nil {
			_ = c.Close()
			return nil, fault.New(fault.KindAuth, "smtp auth", err)
		}
	}

	return &SMTPSession{client: c}, nil
}

// SendRaw transmits raw message bytes from the given sender to all
// recipients. A server-side rejection is classified as a delivery fault with
// the SMTP status code attached; anything else is a transport fault.
func (s *SMTPSession) SendRaw(from string, recipients []string, raw []byte) error {
	if len(recipients) == 0 {
		return fault.Newf(fault.KindDelivery, "smtp send", "no recipients")
	}

	if err := s.client.Mail(from, nil); err != nil {
		return classifySendError("smtp mail", err)
	}
	for _, rcpt := range recipients {
		if err := s.client.Rcpt(rcpt, nil); err != nil {
			return classifySendError("smtp rcpt", err)
		}
	}

	w, err := s.client.Data()
	if err != nil {
		return classifySendError("smtp data", err)
	}
	if _, err := bytes.NewReader(raw).WriteTo(w); err != nil {
		_ = w.Close()
		return fault.New(fault.KindTransport, "smtp data", err)
	}
	if err := w.Close(); err != nil {
		return classifySendError("smtp data", err)
	}

	return nil
}

// Quit ends the SMTP session cleanly.
func (s *SMTPSession) Quit() error {
	if err := s.client.Quit(); err != nil {
		return fault.New(fault.KindTransport, "smtp quit", err)
	}
	return nil
}

// Close tears the connection down without the QUIT exchange.
func (s *SMTPSession) Close() {
	_ = s.client.Close()
}

// classifySendError distinguishes a remote rejection (the server answered
// with an SMTP error status) from a broken connection.
func classifySendError(op string, err error) error {
	var smtpErr *smtp.SMTPError
	if errors.As(err, &smtpErr) {
		return fault.New(fault.KindDelivery, op, err)
	}
	return fault.New(fault.KindTransport, op, err)
}

// SMTPStatusCode extracts the three-digit SMTP status from err, or zero when
// the failure was not a server rejection.
func SMTPStatusCode(err error) int {
	var smtpErr *smtp.SMTPError
	if errors.As(err, &smtpErr) {
		return smtpErr.Code
	}
	return 0
}
