package deliver

import (
	"context"
	"io"
	"regexp"
	"testing"

	"github.com/emersion/go-smtp"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vdavid/mailsync/internal/crypto"
	"github.com/vdavid/mailsync/internal/models"
	"github.com/vdavid/mailsync/internal/testutil"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// deliveryFixture wires a store, an SMTP server, and one sending-capable
// account together.
type deliveryFixture struct {
	store     *testutil.MemStore
	server    *testutil.SMTPServer
	account   *models.Account
	encryptor *crypto.Encryptor
	engine    *Engine
}

func newDeliveryFixture(t *testing.T) *deliveryFixture {
	t.Helper()

	encryptor := testutil.NewTestEncryptor(t)
	server := testutil.StartSMTPServer(t)

	account := &models.Account{
		ID:       "acct-1",
		Email:    "me@example.com",
		Name:     "Me",
		IsActive: true,
	}
	server.ConfigureAccount(t, account, encryptor)

	s := testutil.NewMemStore()
	s.AddAccount(account)

	return &deliveryFixture{
		store:     s,
		server:    server,
		account:   account,
		encryptor: encryptor,
		engine:    NewEngine(s, encryptor, quietLogger()),
	}
}

func (f *deliveryFixture) draft(t *testing.T, mutate func(*models.Message)) *models.Message {
	t.Helper()

	message := &models.Message{
		AccountID: f.account.ID,
		Direction: models.DirectionOutgoing,
		Status:    models.StatusDraft,
		FromEmail: f.account.Email,
		FromName:  f.account.Name,
		ToEmails:  []string{"alice@example.com"},
		Subject:   "Hello",
		BodyText:  "plain body",
	}
	if mutate != nil {
		mutate(message)
	}
	f.store.AddMessage(message)
	return message
}

func TestDeliverMessage(t *testing.T) {
	ctx := context.Background()

	t.Run("walks a draft to delivered", func(t *testing.T) {
		f := newDeliveryFixture(t)
		message := f.draft(t, nil)

		require.NoError(t, f.engine.DeliverMessage(ctx, message))

		stored := f.store.Message(message.ID)
		assert.Equal(t, models.StatusDelivered, stored.Status)
		require.NotNil(t, stored.SentAt)
		require.NotNil(t, stored.DeliveredAt)
		assert.False(t, stored.DeliveredAt.Before(*stored.SentAt), "delivered_at must not precede sent_at")
		assert.NotEmpty(t, stored.RawMessage)
		assert.Empty(t, stored.ErrorCode)

		// The generated protocol ID carries the sender's domain.
		assert.Regexp(t, regexp.MustCompile(`^<[0-9a-f-]+@example\.com>$`), stored.MessageID)

		received := f.server.Backend.Messages()
		require.Len(t, received, 1)
		assert.Equal(t, "me@example.com", received[0].From)
		assert.Equal(t, []string{"alice@example.com"}, received[0].To)
	})

	t.Run("creates a thread for a standalone draft", func(t *testing.T) {
		f := newDeliveryFixture(t)
		message := f.draft(t, nil)
		require.Empty(t, message.ThreadID)

		require.NoError(t, f.engine.DeliverMessage(ctx, message))

		stored := f.store.Message(message.ID)
		require.NotEmpty(t, stored.ThreadID)

		threads := f.store.Threads()
		require.Len(t, threads, 1)
		assert.Equal(t, threads[0].ID, stored.ThreadID)
		require.NotNil(t, threads[0].LastMessageAt)
	})

	t.Run("sends both MIME parts for an HTML-only draft", func(t *testing.T) {
		f := newDeliveryFixture(t)
		message := f.draft(t, func(m *models.Message) {
			m.BodyText = ""
			m.BodyHTML = "<p>Hello <b>Alice</b></p>"
		})

		require.NoError(t, f.engine.DeliverMessage(ctx, message))

		stored := f.store.Message(message.ID)
		assert.Equal(t, "Hello Alice", stored.BodyText)

		received := f.server.Backend.Messages()
		require.Len(t, received, 1)
		wire := string(received[0].Data)
		assert.Contains(t, wire, "multipart/alternative")
		assert.Contains(t, wire, "text/plain")
		assert.Contains(t, wire, "text/html")
	})

	t.Run("bcc recipients appear on the envelope but not the wire", func(t *testing.T) {
		f := newDeliveryFixture(t)
		message := f.draft(t, func(m *models.Message) {
			m.BCCEmails = []string{"hidden@example.com"}
		})

		require.NoError(t, f.engine.DeliverMessage(ctx, message))

		received := f.server.Backend.Messages()
		require.Len(t, received, 1)
		assert.Contains(t, received[0].To, "hidden@example.com")
		assert.NotContains(t, string(received[0].Data), "hidden@example.com")
	})

	t.Run("carries reply headers through to the wire", func(t *testing.T) {
		f := newDeliveryFixture(t)
		message := f.draft(t, func(m *models.Message) {
			m.InReplyTo = "<parent@example.com>"
			m.References = []string{"<root@example.com>", "<parent@example.com>"}
		})

		require.NoError(t, f.engine.DeliverMessage(ctx, message))

		received := f.server.Backend.Messages()
		require.Len(t, received, 1)
		wire := string(received[0].Data)
		assert.Contains(t, wire, "In-Reply-To: <parent@example.com>")
		assert.Contains(t, wire, "<root@example.com> <parent@example.com>")
	})

	t.Run("remote rejection marks the message failed", func(t *testing.T) {
		f := newDeliveryFixture(t)
		f.server.Backend.SetDataError(&smtp.SMTPError{
			Code:    552,
			Message: "message too large",
		})
		message := f.draft(t, nil)

		err := f.engine.DeliverMessage(ctx, message)
		require.Error(t, err)

		stored := f.store.Message(message.ID)
		assert.Equal(t, models.StatusFailed, stored.Status)
		assert.Equal(t, "552", stored.ErrorCode)
		assert.Contains(t, stored.ErrorMessage, "message too large")
		assert.Nil(t, stored.DeliveredAt)
		// The composed content survives for a retry.
		assert.Equal(t, "plain body", stored.BodyText)
	})

	t.Run("unreachable relay marks the message failed as transport", func(t *testing.T) {
		f := newDeliveryFixture(t)
		message := f.draft(t, nil)
		f.account.SMTPServer = "127.0.0.1"
		f.account.SMTPPort = 1 // nothing listens here

		err := f.engine.DeliverMessage(ctx, message)
		require.Error(t, err)

		stored := f.store.Message(message.ID)
		assert.Equal(t, models.StatusFailed, stored.Status)
		assert.Equal(t, "transport", stored.ErrorCode)
		assert.NotEmpty(t, stored.ErrorMessage)
	})

	t.Run("refuses already delivered messages", func(t *testing.T) {
		f := newDeliveryFixture(t)
		message := f.draft(t, func(m *models.Message) {
			m.Status = models.StatusDelivered
		})

		err := f.engine.DeliverMessage(ctx, message)
		require.Error(t, err)
		assert.Empty(t, f.server.Backend.Messages())
	})

	t.Run("refuses incoming messages", func(t *testing.T) {
		f := newDeliveryFixture(t)
		message := f.draft(t, func(m *models.Message) {
			m.Direction = models.DirectionIncoming
		})

		err := f.engine.DeliverMessage(ctx, message)
		require.Error(t, err)
		assert.Empty(t, f.server.Backend.Messages())
	})
}

func TestDeliverPending(t *testing.T) {
	ctx := context.Background()

	t.Run("delivers drafts and skips failed without the retry flag", func(t *testing.T) {
		f := newDeliveryFixture(t)
		f.draft(t, nil)
		failed := f.draft(t, func(m *models.Message) {
			m.Status = models.StatusFailed
			m.ErrorCode = "transport"
		})

		result, err := f.engine.DeliverPending(ctx, "", false)
		require.NoError(t, err)
		assert.Equal(t, 1, result.Processed)
		assert.Equal(t, 0, result.Failed)

		assert.Equal(t, models.StatusFailed, f.store.Message(failed.ID).Status)
	})

	t.Run("retries failed messages with the retry flag", func(t *testing.T) {
		f := newDeliveryFixture(t)
		failed := f.draft(t, func(m *models.Message) {
			m.Status = models.StatusFailed
			m.ErrorCode = "transport"
			m.ErrorMessage = "connection refused"
		})

		result, err := f.engine.DeliverPending(ctx, "", true)
		require.NoError(t, err)
		assert.Equal(t, 1, result.Processed)

		stored := f.store.Message(failed.ID)
		assert.Equal(t, models.StatusDelivered, stored.Status)
		assert.Empty(t, stored.ErrorCode)
		assert.Empty(t, stored.ErrorMessage)
	})

	t.Run("one failure never blocks the rest", func(t *testing.T) {
		f := newDeliveryFixture(t)

		// The broken message targets an account with no SMTP config at all.
		broken := &models.Account{ID: "acct-broken", Email: "broken@example.com", IsActive: true}
		f.store.AddAccount(broken)
		bad := f.draft(t, func(m *models.Message) {
			m.AccountID = broken.ID
		})
		good := f.draft(t, nil)

		result, err := f.engine.DeliverPending(ctx, "", false)
		require.NoError(t, err)
		assert.Equal(t, 1, result.Processed)
		assert.Equal(t, 1, result.Failed)

		assert.Equal(t, models.StatusDelivered, f.store.Message(good.ID).Status)
		assert.Equal(t, models.StatusFailed, f.store.Message(bad.ID).Status)
	})

	t.Run("filters by account", func(t *testing.T) {
		f := newDeliveryFixture(t)
		other := &models.Account{ID: "acct-2", Email: "other@example.com", IsActive: true}
		f.server.ConfigureAccount(t, other, f.encryptor)
		f.store.AddAccount(other)

		mine := f.draft(t, nil)
		theirs := f.draft(t, func(m *models.Message) {
			m.AccountID = other.ID
			m.FromEmail = other.Email
		})

		result, err := f.engine.DeliverPending(ctx, f.account.ID, false)
		require.NoError(t, err)
		assert.Equal(t, 1, result.Processed)

		assert.Equal(t, models.StatusDelivered, f.store.Message(mine.ID).Status)
		assert.Equal(t, models.StatusDraft, f.store.Message(theirs.ID).Status)
	})
}
