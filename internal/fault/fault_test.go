package fault

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindOf(t *testing.T) {
	t.Run("returns the kind of a classified error", func(t *testing.T) {
		err := New(KindAuth, "imap login", errors.New("invalid credentials"))
		assert.Equal(t, KindAuth, KindOf(err))
	})

	t.Run("sees through wrapping", func(t *testing.T) {
		inner := New(KindTransport, "imap dial", errors.New("connection refused"))
		wrapped := fmt.Errorf("sync account: %w", inner)
		assert.Equal(t, KindTransport, KindOf(wrapped))
	})

	t.Run("returns unknown for plain errors", func(t *testing.T) {
		assert.Equal(t, KindUnknown, KindOf(errors.New("boom")))
	})

	t.Run("returns unknown for nil", func(t *testing.T) {
		assert.Equal(t, KindUnknown, KindOf(nil))
	})
}

func TestFaultError(t *testing.T) {
	cause := errors.New("broken pipe")
	err := New(KindTransport, "smtp send", cause)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "smtp send")
	assert.Contains(t, err.Error(), "broken pipe")
	assert.ErrorIs(t, err, cause)
}

func TestIsTransport(t *testing.T) {
	t.Run("transport faults are transport", func(t *testing.T) {
		assert.True(t, IsTransport(New(KindTransport, "op", errors.New("x"))))
	})

	t.Run("protocol faults count as transport", func(t *testing.T) {
		// A confused server session is as unusable as a dropped one.
		assert.True(t, IsTransport(New(KindProtocol, "op", errors.New("x"))))
	})

	t.Run("auth and parse faults are not", func(t *testing.T) {
		assert.False(t, IsTransport(New(KindAuth, "op", errors.New("x"))))
		assert.False(t, IsTransport(New(KindParse, "op", errors.New("x"))))
	})

	t.Run("plain errors are not", func(t *testing.T) {
		assert.False(t, IsTransport(errors.New("x")))
	})
}

func TestIsAuth(t *testing.T) {
	assert.True(t, IsAuth(New(KindAuth, "op", errors.New("x"))))
	assert.False(t, IsAuth(New(KindTransport, "op", errors.New("x"))))
}

func TestKindString(t *testing.T) {
	tests := []struct {
		kind Kind
		want string
	}{
		{KindAuth, "auth"},
		{KindTransport, "transport"},
		{KindProtocol, "protocol"},
		{KindParse, "parse"},
		{KindDelivery, "delivery"},
		{KindUnknown, "unknown"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.kind.String())
	}
}
