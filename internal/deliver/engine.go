// Package deliver implements the outgoing-mail engine: it selects pending
// messages, assembles their wire form, transmits them over SMTP, and drives
// the draft -> sending -> sent -> delivered | failed lifecycle.
package deliver

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/vdavid/mailsync/internal/crypto"
	"github.com/vdavid/mailsync/internal/fault"
	"github.com/vdavid/mailsync/internal/htmltext"
	"github.com/vdavid/mailsync/internal/mailbox"
	"github.com/vdavid/mailsync/internal/models"
	"github.com/vdavid/mailsync/internal/store"
	"github.com/vdavid/mailsync/internal/thread"
)

// Engine transmits pending outgoing messages.
type Engine struct {
	store     store.Store
	encryptor *crypto.Encryptor
	log       *logrus.Entry

	// SecurityOverride forces a connection mode regardless of the account
	// configuration. Empty means use the account's configured mode.
	SecurityOverride models.SecurityMode
}

// NewEngine creates a delivery engine over the given store.
func NewEngine(s store.Store, encryptor *crypto.Encryptor, logger *logrus.Logger) *Engine {
	return &Engine{
		store:     s,
		encryptor: encryptor,
		log:       logger.WithField("component", "deliver"),
	}
}

// DeliverPending attempts every eligible outgoing message (draft and sending,
// plus failed when retryFailed is set). Messages are attempted
// independently: one failure never blocks the rest of the batch. An empty
// accountID selects across all accounts.
func (e *Engine) DeliverPending(ctx context.Context, accountID string, retryFailed bool) (models.BatchResult, error) {
	var result models.BatchResult

	messages, err := e.store.SelectPendingOutgoing(ctx, accountID, retryFailed)
	if err != nil {
		return result, fmt.Errorf("failed to select pending messages: %w", err)
	}

	for _, message := range messages {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		if err := e.DeliverMessage(ctx, message); err != nil {
			e.log.WithFields(logrus.Fields{"message": message.ID, "kind": fault.KindOf(err)}).
				WithError(err).Error("Delivery failed")
			result.Record(message.ID, err)
			continue
		}
		result.Processed++
	}

	return result, nil
}

// DeliverMessage attempts one outgoing message. The sending status is made
// durable before any network call, so a crash mid-send is observable as
// "sending" rather than "draft". On failure the message is marked failed
// with the classified error, and the error is returned for batch
// bookkeeping.
func (e *Engine) DeliverMessage(ctx context.Context, message *models.Message) error {
	if message.Direction != models.DirectionOutgoing {
		return fmt.Errorf("cannot deliver %s message %s", message.Direction, message.ID)
	}
	if !message.Deliverable(true) {
		return fmt.Errorf("message %s is not in a deliverable state: %s", message.ID, message.Status)
	}

	account, err := e.store.GetAccount(ctx, message.AccountID)
	if err != nil {
		return fmt.Errorf("failed to load account: %w", err)
	}

	if err := e.prepare(ctx, message, account); err != nil {
		return err
	}

	raw, err := composeMessage(message)
	if err != nil {
		return e.recordFailure(ctx, message, err)
	}

	if err := e.transmit(account, message, raw); err != nil {
		return e.recordFailure(ctx, message, err)
	}

	return e.recordSuccess(ctx, message, raw)
}

// prepare fills in the derived fields and durably marks the message as
// sending before the first network call.
func (e *Engine) prepare(ctx context.Context, message *models.Message, account *models.Account) error {
	if message.MessageID == "" {
		message.MessageID = generateMessageID(message.FromEmail)
	}

	// An HTML-only message gets a derived plain-text alternative.
	if message.BodyText == "" && message.BodyHTML != "" {
		text, err := htmltext.FromHTML(message.BodyHTML)
		if err != nil {
			return e.recordFailure(ctx, message, fault.New(fault.KindParse, "derive text body", err))
		}
		message.BodyText = text
	}

	// A draft composed outside any conversation gets its thread here, the
	// first time anything needs one.
	if message.ThreadID == "" {
		resolved, err := thread.NewResolver(e.store).Resolve(ctx, message, account)
		if err != nil {
			return fmt.Errorf("failed to resolve thread: %w", err)
		}
		message.ThreadID = resolved.ID
	}

	message.Status = models.StatusSending
	if err := e.store.UpdateMessageStatus(ctx, message); err != nil {
		return fmt.Errorf("failed to mark message as sending: %w", err)
	}
	return nil
}

// transmit opens the SMTP session and hands the wire bytes to the relay.
func (e *Engine) transmit(account *models.Account, message *models.Message, raw []byte) error {
	password, err := e.encryptor.Decrypt(account.EncryptedSMTPPassword)
	if err != nil {
		return fmt.Errorf("failed to decrypt SMTP password: %w", err)
	}

	session, err := mailbox.DialSMTP(account, password, e.SecurityOverride)
	if err != nil {
		return err
	}

	if err := session.SendRaw(message.FromEmail, message.Recipients(), raw); err != nil {
		session.Close()
		return err
	}
	return session.Quit()
}

// recordSuccess advances the lifecycle to sent and then delivered. No
// delivery-confirmation protocol exists at this layer: delivered means
// handed to the outbound relay without a transport-level error.
func (e *Engine) recordSuccess(ctx context.Context, message *models.Message, raw []byte) error {
	now := time.Now().UTC()
	message.Status = models.StatusSent
	message.SentAt = &now
	message.RawMessage = string(raw)
	message.ErrorCode = ""
	message.ErrorMessage = ""
	if err := e.store.UpdateMessageStatus(ctx, message); err != nil {
		return fmt.Errorf("failed to mark message as sent: %w", err)
	}

	message.Status = models.StatusDelivered
	message.DeliveredAt = &now
	if err := e.store.UpdateMessageStatus(ctx, message); err != nil {
		return fmt.Errorf("failed to mark message as delivered: %w", err)
	}

	if message.ThreadID != "" {
		if err := e.store.UpdateThreadActivity(ctx, message.ThreadID, now); err != nil {
			e.log.WithField("thread", message.ThreadID).WithError(err).Warn("Failed to bump thread activity")
		}
	}

	e.log.WithFields(logrus.Fields{"message": message.ID, "message_id": message.MessageID}).
		Info("Delivered outgoing message")
	return nil
}

// recordFailure marks the message failed with the classified fault and
// propagates the original error. The body content is left untouched.
func (e *Engine) recordFailure(ctx context.Context, message *models.Message, cause error) error {
	message.Status = models.StatusFailed
	message.ErrorMessage = cause.Error()
	message.ErrorCode = fault.KindOf(cause).String()
	if code := mailbox.SMTPStatusCode(cause); code != 0 {
		message.ErrorCode = fmt.Sprintf("%d", code)
	}

	if err := e.store.UpdateMessageStatus(ctx, message); err != nil {
		e.log.WithField("message", message.ID).WithError(err).Error("Failed to record delivery failure")
	}
	return cause
}
