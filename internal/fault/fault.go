package fault

import (
	"errors"
	"fmt"
)

// Kind classifies a failure at the point it is detected, so callers can pick
// a recovery policy without inspecting error text.
type Kind int

const (
	// KindUnknown is a failure that could not be classified.
	KindUnknown Kind = iota
	// KindAuth is a credential rejection. Fatal for the current attempt and
	// never retried automatically.
	KindAuth
	// KindTransport is a socket-level fault: reset, timeout, refused dial.
	// Triggers reconnect/backoff in the IDLE monitor and aborts a sync batch.
	KindTransport
	// KindProtocol is a malformed or unexpected server response. Treated like
	// a transport fault for reconnect purposes.
	KindProtocol
	// KindParse is malformed message content. The single message is skipped
	// and the batch continues.
	KindParse
	// KindDelivery is a remote rejection of an outgoing message.
	KindDelivery
)

// String returns a short stable code for the kind, also used as the error
// code recorded on failed messages.
func (k Kind) String() string {
	switch k {
	case KindAuth:
		return "auth"
	case KindTransport:
		return "transport"
	case KindProtocol:
		return "protocol"
	case KindParse:
		return "parse"
	case KindDelivery:
		return "delivery"
	default:
		return "unknown"
	}
}

// Fault is an error with a classification attached where it was detected.
type Fault struct {
	Kind Kind
	Op   string
	Err  error
}

func (f *Fault) Error() string {
	if f.Op != "" {
		return fmt.Sprintf("%s: %v", f.Op, f.Err)
	}
	return f.Err.Error()
}

func (f *Fault) Unwrap() error {
	return f.Err
}

// New wraps err with a kind and the operation that failed.
func New(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Fault{Kind: kind, Op: op, Err: err}
}

// Newf creates a classified error from a format string.
func Newf(kind Kind, op, format string, args ...interface{}) error {
	return &Fault{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the classification of err, or KindUnknown if none was
// attached anywhere in its chain.
func KindOf(err error) Kind {
	var f *Fault
	if errors.As(err, &f) {
		return f.Kind
	}
	return KindUnknown
}

// IsTransport reports whether err is a connection-level failure that warrants
// a reconnect. Protocol faults count: a garbled response leaves the session
// state unusable.
func IsTransport(err error) bool {
	switch KindOf(err) {
	case KindTransport, KindProtocol:
		return true
	default:
		return false
	}
}

// IsAuth reports whether err is a credential rejection.
func IsAuth(err error) bool {
	return KindOf(err) == KindAuth
}
