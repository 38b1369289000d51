package thread

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vdavid/mailsync/internal/models"
	"github.com/vdavid/mailsync/internal/testutil"
)

func seedMessage(t *testing.T, s *testutil.MemStore, account *models.Account, messageID string) *models.Thread {
	t.Helper()

	ctx := context.Background()
	sentAt := time.Now().Add(-time.Hour)

	thread := &models.Thread{
		AccountID:     account.ID,
		Subject:       "Seed",
		LastMessageAt: &sentAt,
	}
	require.NoError(t, s.CreateThread(ctx, thread))

	message := &models.Message{
		AccountID: account.ID,
		ThreadID:  thread.ID,
		Direction: models.DirectionIncoming,
		Status:    models.StatusReceived,
		MessageID: messageID,
		SentAt:    &sentAt,
	}
	require.NoError(t, s.AppendMessage(ctx, message))
	return thread
}

func TestResolve(t *testing.T) {
	ctx := context.Background()
	account := &models.Account{ID: "acct-1", Email: "me@example.com"}

	t.Run("joins the thread named by In-Reply-To", func(t *testing.T) {
		s := testutil.NewMemStore()
		parent := seedMessage(t, s, account, "<a@example.com>")

		sentAt := time.Now()
		reply := &models.Message{
			InReplyTo: "<a@example.com>",
			Subject:   "Re: Seed",
			SentAt:    &sentAt,
		}

		resolved, err := NewResolver(s).Resolve(ctx, reply, account)
		require.NoError(t, err)
		assert.Equal(t, parent.ID, resolved.ID)
	})

	t.Run("falls back to references, first stored ID wins", func(t *testing.T) {
		s := testutil.NewMemStore()
		threadA := seedMessage(t, s, account, "<a@example.com>")
		threadB := seedMessage(t, s, account, "<b@example.com>")

		sentAt := time.Now()
		message := &models.Message{
			InReplyTo:  "<missing@example.com>",
			References: []string{"<also-missing@example.com>", "<b@example.com>", "<a@example.com>"},
			SentAt:     &sentAt,
		}

		resolved, err := NewResolver(s).Resolve(ctx, message, account)
		require.NoError(t, err)
		assert.Equal(t, threadB.ID, resolved.ID)
		assert.NotEqual(t, threadA.ID, resolved.ID)
	})

	t.Run("In-Reply-To takes precedence over references", func(t *testing.T) {
		s := testutil.NewMemStore()
		threadA := seedMessage(t, s, account, "<a@example.com>")
		seedMessage(t, s, account, "<b@example.com>")

		sentAt := time.Now()
		message := &models.Message{
			InReplyTo:  "<a@example.com>",
			References: []string{"<b@example.com>"},
			SentAt:     &sentAt,
		}

		resolved, err := NewResolver(s).Resolve(ctx, message, account)
		require.NoError(t, err)
		assert.Equal(t, threadA.ID, resolved.ID)
	})

	t.Run("creates a thread when nothing matches", func(t *testing.T) {
		s := testutil.NewMemStore()

		sentAt := time.Now()
		message := &models.Message{
			MessageID: "<new@example.com>",
			FromEmail: "alice@example.com",
			ToEmails:  []string{"me@example.com"},
			CCEmails:  []string{"carol@example.com", "me@example.com"},
			Subject:   "Fresh start",
			SentAt:    &sentAt,
		}

		resolved, err := NewResolver(s).Resolve(ctx, message, account)
		require.NoError(t, err)
		require.NotEmpty(t, resolved.ID)

		assert.Equal(t, account.ID, resolved.AccountID)
		assert.Equal(t, "Fresh start", resolved.Subject)
		// Union of recipients and sender, order preserved, no duplicates.
		assert.Equal(t, []string{"me@example.com", "carol@example.com", "alice@example.com"}, resolved.Participants)
		require.NotNil(t, resolved.LastMessageAt)
		assert.True(t, resolved.LastMessageAt.Equal(sentAt))
	})

	t.Run("unstored reply headers still create a new thread", func(t *testing.T) {
		s := testutil.NewMemStore()

		sentAt := time.Now()
		message := &models.Message{
			InReplyTo:  "<ghost@example.com>",
			References: []string{"<ghost@example.com>"},
			Subject:    "Orphan reply",
			SentAt:     &sentAt,
		}

		resolved, err := NewResolver(s).Resolve(ctx, message, account)
		require.NoError(t, err)
		assert.NotEmpty(t, resolved.ID)
		assert.Len(t, s.Threads(), 1)
	})
}
