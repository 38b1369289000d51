// Package store persists accounts, contacts, threads, and messages. It is
// the single writer the sync, IDLE, and delivery engines hand their results
// to; dedup-by-message-id and thread-append are atomic here so concurrent
// ingestion paths racing for the same account cannot duplicate records.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/vdavid/mailsync/internal/models"
)

// ErrAccountNotFound is returned when a requested account cannot be found.
var ErrAccountNotFound = errors.New("account not found")

// ErrMessageNotFound is returned when a requested message cannot be found.
var ErrMessageNotFound = errors.New("message not found")

// ErrThreadNotFound is returned when a requested thread cannot be found.
var ErrThreadNotFound = errors.New("thread not found")

// Store is the persistence boundary consumed by the engines. All message
// operations must be usable inside one WithTx unit so a crash mid-ingestion
// leaves no partially linked thread/message pair.
type Store interface {
	// GetAccount returns one account by ID, or ErrAccountNotFound.
	GetAccount(ctx context.Context, id string) (*models.Account, error)

	// ListActiveAccounts returns all accounts with is_active set.
	ListActiveAccounts(ctx context.Context) ([]*models.Account, error)

	// ListIdleAccounts returns the active accounts that have IDLE monitoring
	// enabled.
	ListIdleAccounts(ctx context.Context) ([]*models.Account, error)

	// FindMessageByMessageID returns the message carrying the given
	// Message-ID header, or ErrMessageNotFound. Empty IDs never match.
	FindMessageByMessageID(ctx context.Context, messageID string) (*models.Message, error)

	// FindThreadByMessageIDs returns the thread of the first message ID in
	// the slice that is already stored, scanning left to right, or
	// ErrThreadNotFound when none match.
	FindThreadByMessageIDs(ctx context.Context, messageIDs []string) (*models.Thread, error)

	// UpsertContact creates a contact for the email address if absent and
	// returns it. An existing contact is returned untouched: ingestion never
	// overwrites a pre-populated name.
	UpsertContact(ctx context.Context, email, name string) (*models.Contact, error)

	// CreateThread inserts a new thread and fills in its generated ID.
	CreateThread(ctx context.Context, thread *models.Thread) error

	// AppendMessage inserts a message into its thread and fills in the
	// generated ID and created timestamp.
	AppendMessage(ctx context.Context, message *models.Message) error

	// UpdateThreadActivity bumps the thread's last-activity timestamp.
	// The update is monotonic: an older timestamp never moves it backward.
	UpdateThreadActivity(ctx context.Context, threadID string, at time.Time) error

	// SelectPendingOutgoing returns outgoing messages eligible for delivery
	// (draft and sending, plus failed when includeFailed is set), oldest
	// first. An empty accountID selects across all accounts.
	SelectPendingOutgoing(ctx context.Context, accountID string, includeFailed bool) ([]*models.Message, error)

	// UpdateMessageStatus persists the message's lifecycle fields: status,
	// message ID, body text, raw wire bytes, error code/message, and the
	// sent/delivered timestamps.
	UpdateMessageStatus(ctx context.Context, message *models.Message) error

	// WithTx runs fn inside one atomic unit. Returning an error rolls the
	// unit back.
	WithTx(ctx context.Context, fn func(Store) error) error
}
