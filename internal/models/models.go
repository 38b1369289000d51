package models

import "time"

// SecurityMode is the transport security negotiated when opening a mailbox
// connection.
type SecurityMode string

const (
	// SecurityPlain is an unencrypted connection.
	SecurityPlain SecurityMode = "plain"
	// SecuritySSL is implicit TLS from the first byte (IMAPS/SMTPS).
	SecuritySSL SecurityMode = "ssl"
	// SecurityStartTLS upgrades a plain connection with STARTTLS.
	SecurityStartTLS SecurityMode = "starttls"
)

// Direction indicates whether a message was received or composed locally.
type Direction string

const (
	DirectionIncoming Direction = "incoming"
	DirectionOutgoing Direction = "outgoing"
)

// Status is the lifecycle state of a message.
//
// Outgoing messages move draft -> sending -> sent -> delivered, or to failed.
// A failed message re-enters sending only on an explicit retry. Incoming
// messages are stored as received.
type Status string

const (
	StatusDraft     Status = "draft"
	StatusSending   Status = "sending"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusFailed    Status = "failed"
	StatusReceived  Status = "received"
)

// Account holds the SMTP and IMAP connection descriptors for one mailbox
// identity. Passwords are stored encrypted; engines decrypt them just before
// dialing. Accounts are read-only to the sync and delivery engines.
type Account struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name"`

	SMTPSecurity          SecurityMode `json:"smtp_security"`
	SMTPServer            string       `json:"smtp_server"`
	SMTPPort              int          `json:"smtp_port"`
	SMTPUsername          string       `json:"smtp_username"`
	EncryptedSMTPPassword []byte       `json:"-"`

	IMAPSecurity          SecurityMode `json:"imap_security"`
	IMAPServer            string       `json:"imap_server"`
	IMAPPort              int          `json:"imap_port"`
	IMAPUsername          string       `json:"imap_username"`
	EncryptedIMAPPassword []byte       `json:"-"`

	IsActive   bool   `json:"is_active"`
	UseIdle    bool   `json:"use_idle"`
	IdleFolder string `json:"idle_folder"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Domain returns the domain part of the account email, used when generating
// Message-ID headers for outgoing mail.
func (a *Account) Domain() string {
	for i := len(a.Email) - 1; i >= 0; i-- {
		if a.Email[i] == '@' {
			return a.Email[i+1:]
		}
	}
	return a.Email
}

// HasIMAPConfig reports whether the account can be synced at all.
func (a *Account) HasIMAPConfig() bool {
	return a.IMAPServer != "" && a.IMAPUsername != "" && len(a.EncryptedIMAPPassword) > 0
}

// Message is one transmitted or received mail unit.
type Message struct {
	ID        string `json:"id"`
	AccountID string `json:"account_id"`
	ThreadID  string `json:"thread_id"`
	ContactID string `json:"contact_id,omitempty"`

	Direction Direction `json:"direction"`
	Status    Status    `json:"status"`

	// Protocol identifiers. MessageID is globally unique when non-empty;
	// ingesting the same MessageID twice is a no-op.
	MessageID  string   `json:"message_id"`
	InReplyTo  string   `json:"in_reply_to"`
	References []string `json:"references"`

	FromEmail string   `json:"from_email"`
	FromName  string   `json:"from_name"`
	ToEmails  []string `json:"to_emails"`
	CCEmails  []string `json:"cc_emails"`
	BCCEmails []string `json:"bcc_emails"`

	Subject  string            `json:"subject"`
	BodyText string            `json:"body_text"`
	BodyHTML string            `json:"body_html"`
	Headers  map[string]string `json:"headers,omitempty"`

	RawMessage string `json:"raw_message,omitempty"`

	ErrorCode    string `json:"error_code,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	SentAt      *time.Time `json:"sent_at"`
	DeliveredAt *time.Time `json:"delivered_at"`
}

// Recipients returns the union of to, cc, and bcc addresses, the envelope
// recipient set for an SMTP transaction.
func (m *Message) Recipients() []string {
	recipients := make([]string, 0, len(m.ToEmails)+len(m.CCEmails)+len(m.BCCEmails))
	recipients = append(recipients, m.ToEmails...)
	recipients = append(recipients, m.CCEmails...)
	recipients = append(recipients, m.BCCEmails...)
	return recipients
}

// Deliverable reports whether the message is eligible for a delivery attempt.
func (m *Message) Deliverable(retryFailed bool) bool {
	if m.Direction != DirectionOutgoing {
		return false
	}
	switch m.Status {
	case StatusDraft, StatusSending:
		return true
	case StatusFailed:
		return retryFailed
	default:
		return false
	}
}

// Thread groups the messages of one conversation. A thread is created lazily
// by the first message that needs it and owns its messages ordered by time.
type Thread struct {
	ID        string `json:"id"`
	AccountID string `json:"account_id"`
	ContactID string `json:"contact_id,omitempty"`

	Subject      string   `json:"subject"`
	Participants []string `json:"participants"`

	IsActive   bool `json:"is_active"`
	IsArchived bool `json:"is_archived"`

	// LastMessageAt is the max timestamp over the thread's messages. Updates
	// are monotonic: it never moves backward, even during backlog catch-up.
	LastMessageAt *time.Time `json:"last_message_at"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Contact is a deduplicated external correspondent, keyed by email address.
type Contact struct {
	ID       string `json:"id"`
	Email    string `json:"email"`
	Name     string `json:"name"`
	IsActive bool   `json:"is_active"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
