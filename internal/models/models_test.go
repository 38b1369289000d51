package models

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAccountDomain(t *testing.T) {
	tests := []struct {
		email string
		want  string
	}{
		{"alice@example.com", "example.com"},
		{"bob@mail.example.co.uk", "mail.example.co.uk"},
		{"no-at-sign", "no-at-sign"},
		{"", ""},
	}
	for _, tt := range tests {
		account := &Account{Email: tt.email}
		assert.Equal(t, tt.want, account.Domain(), "email %q", tt.email)
	}
}

func TestAccountHasIMAPConfig(t *testing.T) {
	account := &Account{
		IMAPServer:            "imap.example.com",
		IMAPPort:              993,
		IMAPUsername:          "alice",
		EncryptedIMAPPassword: []byte{1, 2, 3},
	}
	assert.True(t, account.HasIMAPConfig())

	t.Run("missing server", func(t *testing.T) {
		incomplete := *account
		incomplete.IMAPServer = ""
		assert.False(t, incomplete.HasIMAPConfig())
	})

	t.Run("missing password", func(t *testing.T) {
		incomplete := *account
		incomplete.EncryptedIMAPPassword = nil
		assert.False(t, incomplete.HasIMAPConfig())
	})
}

func TestMessageRecipients(t *testing.T) {
	message := &Message{
		ToEmails:  []string{"to@example.com"},
		CCEmails:  []string{"cc@example.com"},
		BCCEmails: []string{"bcc@example.com"},
	}
	assert.Equal(t, []string{"to@example.com", "cc@example.com", "bcc@example.com"}, message.Recipients())

	empty := &Message{}
	assert.Empty(t, empty.Recipients())
}

func TestMessageDeliverable(t *testing.T) {
	tests := []struct {
		name        string
		direction   Direction
		status      Status
		retryFailed bool
		want        bool
	}{
		{"outgoing draft", DirectionOutgoing, StatusDraft, false, true},
		{"outgoing sending resumes", DirectionOutgoing, StatusSending, false, true},
		{"outgoing sent is terminal", DirectionOutgoing, StatusSent, false, false},
		{"outgoing delivered is terminal", DirectionOutgoing, StatusDelivered, false, false},
		{"outgoing failed needs retry flag", DirectionOutgoing, StatusFailed, false, false},
		{"outgoing failed with retry flag", DirectionOutgoing, StatusFailed, true, true},
		{"incoming never deliverable", DirectionIncoming, StatusDraft, true, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			message := &Message{Direction: tt.direction, Status: tt.status}
			assert.Equal(t, tt.want, message.Deliverable(tt.retryFailed))
		})
	}
}

func TestBatchResult(t *testing.T) {
	var result BatchResult
	result.Processed = 2
	result.Record("msg-1", errors.New("connection refused"))

	assert.Equal(t, 2, result.Processed)
	assert.Equal(t, 1, result.Failed)
	assert.Len(t, result.Failures, 1)
	assert.Equal(t, "msg-1", result.Failures[0].ID)

	var other BatchResult
	other.Processed = 3
	other.Record("msg-2", errors.New("rejected"))

	result.Merge(other)
	assert.Equal(t, 5, result.Processed)
	assert.Equal(t, 2, result.Failed)
	assert.Len(t, result.Failures, 2)
}
