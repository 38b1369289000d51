// Package sync implements the poll-based incoming-mail engine: it fetches
// unseen messages from an account's inbox and runs them through the
// ingestion pipeline (parse, dedup, contact upsert, thread resolution,
// persistence).
package sync

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/vdavid/mailsync/internal/crypto"
	"github.com/vdavid/mailsync/internal/fault"
	"github.com/vdavid/mailsync/internal/mailbox"
	"github.com/vdavid/mailsync/internal/models"
	"github.com/vdavid/mailsync/internal/store"
	"github.com/vdavid/mailsync/internal/thread"
)

// inboxFolder is the folder polled for unseen mail.
const inboxFolder = "INBOX"

// Engine synchronizes incoming mail for configured accounts.
type Engine struct {
	store     store.Store
	encryptor *crypto.Encryptor
	log       *logrus.Entry

	// SecurityOverride forces a connection mode regardless of the account
	// configuration. Empty means use the account's configured mode.
	SecurityOverride models.SecurityMode
}

// NewEngine creates a sync engine over the given store.
func NewEngine(s store.Store, encryptor *crypto.Encryptor, logger *logrus.Logger) *Engine {
	return &Engine{
		store:     s,
		encryptor: encryptor,
		log:       logger.WithField("component", "sync"),
	}
}

// SyncAll synchronizes every active account. Per-account failures are logged
// and recorded in the result; they never abort the remaining accounts.
func (e *Engine) SyncAll(ctx context.Context) (models.BatchResult, error) {
	var result models.BatchResult

	accounts, err := e.store.ListActiveAccounts(ctx)
	if err != nil {
		return result, fmt.Errorf("failed to list accounts: %w", err)
	}

	for _, account := range accounts {
		count, err := e.SyncAccount(ctx, account)
		result.Processed += count
		if err != nil {
			e.log.WithFields(logrus.Fields{"account": account.Email, "kind": fault.KindOf(err)}).
				WithError(err).Error("Account sync failed")
			result.Record(account.ID, err)
		}
	}

	return result, nil
}

// SyncAccount fetches and ingests all unseen messages of one account and
// returns the number of new messages stored. A single malformed message is
// skipped; a connection-level fault aborts the batch, returning the count
// ingested before the fault surfaced.
func (e *Engine) SyncAccount(ctx context.Context, account *models.Account) (int, error) {
	if !account.HasIMAPConfig() {
		e.log.WithField("account", account.Email).Warn("Skipping sync: missing IMAP configuration")
		return 0, nil
	}

	password, err := e.encryptor.Decrypt(account.EncryptedIMAPPassword)
	if err != nil {
		return 0, fmt.Errorf("failed to decrypt IMAP password: %w", err)
	}

	session, err := mailbox.DialIMAP(account, password, e.SecurityOverride)
	if err != nil {
		return 0, err
	}
	defer func() {
		_ = session.Logout()
	}()

	return e.SyncSession(ctx, session, account)
}

// SyncSession runs one poll cycle over an established session. The IDLE
// monitor reuses it for event-triggered syncs on its own session.
func (e *Engine) SyncSession(ctx context.Context, session *mailbox.IMAPSession, account *models.Account) (int, error) {
	if err := session.SelectFolder(inboxFolder); err != nil {
		return 0, err
	}

	uids, err := session.SearchUnseen()
	if err != nil {
		return 0, err
	}

	count := 0
	for _, uid := range uids {
		if err := ctx.Err(); err != nil {
			return count, err
		}

		raw, err := session.FetchRaw(uid)
		if err != nil {
			// Without a working session the rest of the batch is
			// unreachable; everything ingested so far is already durable.
			return count, err
		}

		stored, err := e.Ingest(ctx, account, raw)
		if err != nil {
			if fault.IsTransport(err) {
				return count, err
			}
			e.log.WithFields(logrus.Fields{"account": account.Email, "uid": uid}).
				WithError(err).Warn("Skipping message")
			continue
		}
		if stored {
			count++
		}
	}

	return count, nil
}

// Ingest parses raw message bytes and persists them as one atomic unit:
// contact upsert, thread resolution, message append, and activity bump
// either all land or none do. Re-ingesting a message ID already stored is a
// no-op.
func (e *Engine) Ingest(ctx context.Context, account *models.Account, raw []byte) (bool, error) {
	parsed, err := parseMessage(raw)
	if err != nil {
		return false, err
	}

	if parsed.MessageID != "" {
		_, err := e.store.FindMessageByMessageID(ctx, parsed.MessageID)
		if err == nil {
			e.log.WithField("message_id", parsed.MessageID).Debug("Message already stored, skipping")
			return false, nil
		}
		if !errors.Is(err, store.ErrMessageNotFound) {
			return false, fmt.Errorf("failed to check for duplicate: %w", err)
		}
	}

	parsed.AccountID = account.ID
	// Incoming mail is already at its destination when we see it.
	parsed.DeliveredAt = parsed.SentAt

	err = e.store.WithTx(ctx, func(tx store.Store) error {
		if parsed.FromEmail != "" {
			contact, err := tx.UpsertContact(ctx, parsed.FromEmail, parsed.FromName)
			if err != nil {
				return err
			}
			parsed.ContactID = contact.ID
		}

		resolved, err := thread.NewResolver(tx).Resolve(ctx, parsed, account)
		if err != nil {
			return err
		}
		parsed.ThreadID = resolved.ID

		if err := tx.AppendMessage(ctx, parsed); err != nil {
			return err
		}
		return tx.UpdateThreadActivity(ctx, resolved.ID, *parsed.SentAt)
	})
	if err != nil {
		return false, err
	}

	e.log.WithFields(logrus.Fields{
		"account":    account.Email,
		"message_id": parsed.MessageID,
		"thread":     parsed.ThreadID,
	}).Info("Ingested incoming message")

	return true, nil
}
