// Package idle keeps one long-lived IMAP connection per account and reacts
// to server-pushed mailbox updates with immediate, scoped syncs. A Worker
// owns exactly one session; a Supervisor owns the workers.
package idle

import (
	"context"
	"strings"
	"sync"
	"time"

	imapidle "github.com/emersion/go-imap-idle"
	"github.com/emersion/go-imap/client"
	"github.com/sirupsen/logrus"

	"github.com/vdavid/mailsync/internal/crypto"
	"github.com/vdavid/mailsync/internal/fault"
	"github.com/vdavid/mailsync/internal/mailbox"
	"github.com/vdavid/mailsync/internal/models"
	syncer "github.com/vdavid/mailsync/internal/sync"
)

const (
	// idleWait bounds a single IDLE round. Expiry is routine, not a fault:
	// the worker restarts IDLE on the same session.
	idleWait = 10 * time.Minute

	// keepaliveAfter is how long a session may go without traffic before the
	// worker sends a NOOP. Kept under the 30-minute limit RFC 2177 allows
	// servers to enforce.
	keepaliveAfter = 29 * time.Minute

	// fallbackPoll is the polling interval IdleWithFallback uses against
	// servers that never advertised IDLE.
	fallbackPoll = time.Minute

	// idleTeardown bounds the wait for the server to acknowledge the end of
	// an IDLE round. Past it the connection is cut so the round can finish.
	idleTeardown = 5 * time.Second
)

// Worker states as reported by Status.
const (
	StateConnecting = "connecting"
	StateIdle       = "idle"
	StateSyncing    = "syncing"
	StateBackoff    = "backoff"
	StateCooldown   = "cooldown"
	StateStopped    = "stopped"
)

// Status is a point-in-time snapshot of a worker, for health reporting.
type Status struct {
	AccountID string    `json:"account_id"`
	State     string    `json:"state"`
	Failures  int       `json:"failures"`
	LastError string    `json:"last_error,omitempty"`
	LastEvent time.Time `json:"last_event,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Worker monitors one account's idle folder over a dedicated IMAP session.
// The session is never shared: event-triggered syncs run on it between IDLE
// rounds, so monitoring and fetching can't race each other.
type Worker struct {
	account   *models.Account
	engine    *syncer.Engine
	encryptor *crypto.Encryptor
	log       *logrus.Entry
	policy    Policy

	mu     sync.Mutex
	status Status
}

// NewWorker creates a worker for the account. It does nothing until Run.
func NewWorker(account *models.Account, engine *syncer.Engine, encryptor *crypto.Encryptor, logger *logrus.Logger, policy Policy) *Worker {
	w := &Worker{
		account:   account,
		engine:    engine,
		encryptor: encryptor,
		log: logger.WithFields(logrus.Fields{
			"component": "idle",
			"account":   account.Email,
		}),
		policy: policy,
	}
	w.status = Status{AccountID: account.ID, State: StateConnecting, UpdatedAt: time.Now()}
	return w
}

// Status returns a snapshot of the worker's current state.
func (w *Worker) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

func (w *Worker) setState(state string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.status.State = state
	w.status.UpdatedAt = time.Now()
}

func (w *Worker) noteFailure(failures int, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.status.Failures = failures
	w.status.LastError = err.Error()
	w.status.UpdatedAt = time.Now()
}

func (w *Worker) noteConnected() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.status.Failures = 0
	w.status.LastError = ""
	w.status.UpdatedAt = time.Now()
}

func (w *Worker) noteEvent() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.status.LastEvent = time.Now()
	w.status.UpdatedAt = w.status.LastEvent
}

// folder returns the monitored folder, defaulting to INBOX.
func (w *Worker) folder() string {
	if w.account.IdleFolder != "" {
		return w.account.IdleFolder
	}
	return "INBOX"
}

// Run blocks until ctx is canceled, reconnecting after faults with the
// worker's backoff policy. A successful connect resets the failure counter.
func (w *Worker) Run(ctx context.Context) {
	defer w.setState(StateStopped)

	failures := 0
	for {
		if ctx.Err() != nil {
			return
		}

		w.setState(StateConnecting)
		connected, err := w.session(ctx)
		if connected {
			failures = 0
			w.noteConnected()
		}
		if ctx.Err() != nil {
			return
		}

		if err != nil {
			failures++
			delay, carried := w.policy.Next(failures)
			w.noteFailure(failures, err)
			if carried == 0 {
				w.log.WithError(err).WithField("cooldown", delay).
					Error("Too many consecutive failures, cooling down")
				w.setState(StateCooldown)
			} else {
				w.log.WithError(err).WithFields(logrus.Fields{
					"failures": failures,
					"retry_in": delay,
				}).Warn("Session ended, reconnecting")
				w.setState(StateBackoff)
			}
			failures = carried

			if !sleepCtx(ctx, delay) {
				return
			}
		}
	}
}

// session dials, monitors, and tears down one IMAP session. It returns
// whether the connection was ever established and the error that ended it
// (nil when ctx canceled it).
func (w *Worker) session(ctx context.Context) (bool, error) {
	password, err := w.encryptor.Decrypt(w.account.EncryptedIMAPPassword)
	if err != nil {
		return false, fault.New(fault.KindAuth, "idle connect", err)
	}

	sess, err := mailbox.DialIMAP(w.account, password, "")
	if err != nil {
		return false, err
	}
	defer func() {
		// Best-effort teardown; the session may already be gone.
		_ = sess.Logout()
	}()

	// A dead server can leave a command blocked forever. When ctx dies the
	// only reliable way to unblock it is to cut the connection.
	watcherDone := make(chan struct{})
	defer close(watcherDone)
	go func() {
		select {
		case <-ctx.Done():
			_ = sess.Terminate()
		case <-watcherDone:
		}
	}()

	if err := sess.SelectFolder(w.folder()); err != nil {
		return false, err
	}

	w.log.WithField("folder", w.folder()).Info("Monitoring folder")
	return true, w.monitor(ctx, sess)
}

// monitor alternates bounded IDLE rounds with event syncs and keepalives
// until the session faults or ctx is canceled.
func (w *Worker) monitor(ctx context.Context, sess *mailbox.IMAPSession) error {
	lastTraffic := time.Now()

	for {
		if ctx.Err() != nil {
			return nil
		}

		w.setState(StateIdle)
		fired, err := w.idleRound(ctx, sess)
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return nil
		}

		if fired {
			w.noteEvent()
			w.setState(StateSyncing)
			count, err := w.engine.SyncSession(ctx, sess, w.account)
			if err != nil {
				if fault.IsTransport(err) {
					return err
				}
				// Bad message data shouldn't cost us the connection.
				w.log.WithError(err).Warn("Event sync failed")
			}
			if count > 0 {
				w.log.WithField("count", count).Info("Synced new messages")
			}
			lastTraffic = time.Now()

			// The sync selected the inbox; restore the monitored folder.
			if !strings.EqualFold(w.folder(), "INBOX") {
				if err := sess.SelectFolder(w.folder()); err != nil {
					return err
				}
			}
			continue
		}

		if time.Since(lastTraffic) >= keepaliveAfter {
			if err := sess.Noop(); err != nil {
				return err
			}
			lastTraffic = time.Now()
		}
	}
}

// idleRound runs one IDLE command until a new-mail update arrives, the wait
// bound expires, or the session breaks. It reports whether new mail arrived.
func (w *Worker) idleRound(ctx context.Context, sess *mailbox.IMAPSession) (bool, error) {
	c := sess.Client()

	updates := make(chan client.Update, 10)
	c.Updates = updates
	defer func() { c.Updates = nil }()

	idleClient := imapidle.NewClient(c)

	stop := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- idleClient.IdleWithFallback(stop, fallbackPoll)
	}()

	timer := time.NewTimer(idleWait)
	defer timer.Stop()

	// endIdle tells the server we're done and waits for the IDLE goroutine,
	// draining updates so it can't block on the channel. A server that never
	// acknowledges DONE gets its connection cut after idleTeardown.
	endIdle := func() error {
		close(stop)
		deadline := time.NewTimer(idleTeardown)
		defer deadline.Stop()
		for {
			select {
			case err := <-done:
				return err
			case <-updates:
			case <-deadline.C:
				_ = sess.Terminate()
			}
		}
	}

	for {
		select {
		case <-ctx.Done():
			_ = endIdle()
			return false, nil

		case err := <-done:
			if err != nil {
				return false, fault.New(fault.KindTransport, "imap idle", err)
			}
			// Server ended IDLE cleanly; treat like a timeout and re-enter.
			return false, nil

		case <-timer.C:
			if err := endIdle(); err != nil {
				return false, fault.New(fault.KindTransport, "imap idle", err)
			}
			return false, nil

		case update := <-updates:
			if !isNewMail(update, w.folder()) {
				continue
			}
			if err := endIdle(); err != nil {
				return true, fault.New(fault.KindTransport, "imap idle", err)
			}
			return true, nil
		}
	}
}

// isNewMail reports whether an unsolicited update signals new messages in
// the monitored folder.
func isNewMail(update client.Update, folder string) bool {
	mboxUpdate, ok := update.(*client.MailboxUpdate)
	if !ok || mboxUpdate.Mailbox == nil {
		return false
	}
	status := mboxUpdate.Mailbox
	return strings.EqualFold(status.Name, folder) && status.Messages > 0
}

// sleepCtx sleeps for d, returning false if ctx was canceled first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
