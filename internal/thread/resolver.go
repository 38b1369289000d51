// Package thread reconstructs conversation grouping from reply and reference
// headers. It is shared by the poll-based and IDLE-based ingestion paths.
package thread

import (
	"context"
	"errors"
	"fmt"

	"github.com/vdavid/mailsync/internal/models"
	"github.com/vdavid/mailsync/internal/store"
)

// Resolver assigns an incoming or outgoing message to its conversation.
type Resolver struct {
	store store.Store
}

// NewResolver creates a resolver over the given store.
func NewResolver(s store.Store) *Resolver {
	return &Resolver{store: s}
}

// Resolve finds the thread a message belongs to, creating one lazily when no
// related message is stored. Resolution order:
//
//  1. The In-Reply-To header names a stored message: use that message's thread.
//  2. Any ID in the References header matches a stored message, scanning left
//     to right, first match wins.
//  3. Otherwise create a new thread seeded with the message's subject,
//     participants, and timestamp.
//
// Combined with the upstream dedup check on Message-ID, resolution is
// idempotent under reprocessing.
func (r *Resolver) Resolve(ctx context.Context, message *models.Message, account *models.Account) (*models.Thread, error) {
	if message.InReplyTo != "" {
		parent, err := r.store.FindMessageByMessageID(ctx, message.InReplyTo)
		if err == nil {
			return r.threadOf(ctx, parent)
		}
		if !errors.Is(err, store.ErrMessageNotFound) {
			return nil, fmt.Errorf("failed to look up In-Reply-To %q: %w", message.InReplyTo, err)
		}
	}

	if len(message.References) > 0 {
		thread, err := r.store.FindThreadByMessageIDs(ctx, message.References)
		if err == nil {
			return thread, nil
		}
		if !errors.Is(err, store.ErrThreadNotFound) {
			return nil, fmt.Errorf("failed to look up references: %w", err)
		}
	}

	thread := &models.Thread{
		AccountID:     account.ID,
		ContactID:     message.ContactID,
		Subject:       message.Subject,
		Participants:  participants(message),
		LastMessageAt: message.SentAt,
	}
	if err := r.store.CreateThread(ctx, thread); err != nil {
		return nil, err
	}
	return thread, nil
}

func (r *Resolver) threadOf(ctx context.Context, message *models.Message) (*models.Thread, error) {
	thread, err := r.store.FindThreadByMessageIDs(ctx, []string{message.MessageID})
	if err != nil {
		return nil, fmt.Errorf("failed to load thread of message %q: %w", message.MessageID, err)
	}
	return thread, nil
}

// participants is the union of recipients and sender, preserving order and
// dropping duplicates.
func participants(message *models.Message) []string {
	seen := make(map[string]struct{})
	var result []string
	add := func(addr string) {
		if addr == "" {
			return
		}
		if _, ok := seen[addr]; ok {
			return
		}
		seen[addr] = struct{}{}
		result = append(result, addr)
	}

	for _, addr := range message.ToEmails {
		add(addr)
	}
	for _, addr := range message.CCEmails {
		add(addr)
	}
	add(message.FromEmail)
	return result
}
