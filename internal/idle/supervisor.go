package idle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/vdavid/mailsync/internal/crypto"
	"github.com/vdavid/mailsync/internal/store"
	syncer "github.com/vdavid/mailsync/internal/sync"
)

const (
	// watchdogInterval is how often the supervisor checks worker liveness.
	watchdogInterval = 30 * time.Second

	// wedgedAfter marks a worker as wedged when its status has not moved for
	// this long. Normal operation updates status at least once per IDLE
	// round, so a healthy worker can never look this stale.
	wedgedAfter = 45 * time.Minute

	// maxRestarts retires an account after this many consecutive
	// watchdog-driven restarts. A retired account stays down until
	// ResetAccount.
	maxRestarts = 10

	// stopTimeout bounds how long the supervisor waits for a canceled worker
	// to exit. A worker past it is abandoned rather than allowed to wedge
	// the supervisor.
	stopTimeout = 30 * time.Second
)

// Supervisor owns the per-account IDLE workers. All mutation of the worker
// set goes through its mutex.
type Supervisor struct {
	store     store.Store
	engine    *syncer.Engine
	encryptor *crypto.Encryptor
	log       *logrus.Entry
	policy    Policy

	mu       sync.Mutex
	workers  map[string]*supervised
	restarts map[string]int
	retired  map[string]bool
}

// supervised pairs a worker with its lifecycle handles.
type supervised struct {
	worker *Worker
	cancel context.CancelFunc
	done   chan struct{}
}

// NewSupervisor creates a supervisor with no running workers.
func NewSupervisor(s store.Store, engine *syncer.Engine, encryptor *crypto.Encryptor, logger *logrus.Logger, policy Policy) *Supervisor {
	return &Supervisor{
		store:     s,
		engine:    engine,
		encryptor: encryptor,
		log:       logger.WithField("component", "idle-supervisor"),
		policy:    policy,
		workers:   make(map[string]*supervised),
		restarts:  make(map[string]int),
		retired:   make(map[string]bool),
	}
}

// StartAccount starts a worker for the account unless one is already
// running or the account is retired. The worker lives until ctx is canceled
// or StopAccount is called.
func (s *Supervisor) StartAccount(ctx context.Context, accountID string) error {
	account, err := s.store.GetAccount(ctx, accountID)
	if err != nil {
		return err
	}
	if !account.UseIdle {
		return fmt.Errorf("account %s is not configured for idle monitoring", account.Email)
	}
	if !account.HasIMAPConfig() {
		return fmt.Errorf("account %s is missing IMAP configuration", account.Email)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.retired[accountID] {
		return fmt.Errorf("account %s is retired, reset it first", account.Email)
	}
	if _, running := s.workers[accountID]; running {
		return nil
	}

	s.startLocked(ctx, accountID)
	return nil
}

// startLocked spawns the worker goroutine. Caller holds s.mu.
func (s *Supervisor) startLocked(ctx context.Context, accountID string) {
	// Refetch inside the worker's lifetime would race config edits; the
	// snapshot taken at start is authoritative until a restart.
	account, err := s.store.GetAccount(ctx, accountID)
	if err != nil {
		s.log.WithField("account_id", accountID).WithError(err).Error("Failed to load account for worker")
		return
	}

	workerCtx, cancel := context.WithCancel(ctx)
	w := NewWorker(account, s.engine, s.encryptor, s.log.Logger, s.policy)
	run := &supervised{worker: w, cancel: cancel, done: make(chan struct{})}
	s.workers[accountID] = run

	s.log.WithField("account", account.Email).Info("Starting idle worker")
	go func() {
		defer close(run.done)
		w.Run(workerCtx)
	}()
}

// StartAll starts a worker for every idle-enabled account. Per-account
// failures are logged and skipped.
func (s *Supervisor) StartAll(ctx context.Context) error {
	accounts, err := s.store.ListIdleAccounts(ctx)
	if err != nil {
		return fmt.Errorf("failed to list idle accounts: %w", err)
	}

	for _, account := range accounts {
		if err := s.StartAccount(ctx, account.ID); err != nil {
			s.log.WithField("account", account.Email).WithError(err).Warn("Skipping account")
		}
	}
	return nil
}

// StopAccount cancels the account's worker and waits for it to exit.
func (s *Supervisor) StopAccount(accountID string) {
	s.mu.Lock()
	run, ok := s.workers[accountID]
	if ok {
		delete(s.workers, accountID)
	}
	s.mu.Unlock()

	if !ok {
		return
	}
	run.cancel()
	if !waitDone(run.done, stopTimeout) {
		s.log.WithField("account_id", accountID).Error("Worker did not exit, abandoning goroutine")
	}
}

// StopAll stops every worker and waits for them all.
func (s *Supervisor) StopAll() {
	s.mu.Lock()
	runs := make(map[string]*supervised, len(s.workers))
	for id, run := range s.workers {
		runs[id] = run
		delete(s.workers, id)
	}
	s.mu.Unlock()

	for _, run := range runs {
		run.cancel()
	}
	for id, run := range runs {
		if !waitDone(run.done, stopTimeout) {
			s.log.WithField("account_id", id).Error("Worker did not exit, abandoning goroutine")
		}
	}
}

// waitDone waits for done with a deadline.
func waitDone(done <-chan struct{}, d time.Duration) bool {
	select {
	case <-done:
		return true
	default:
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-done:
		return true
	case <-timer.C:
		return false
	}
}

// ResetAccount clears an account's retired flag and restart count so
// StartAccount may run it again.
func (s *Supervisor) ResetAccount(accountID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.retired, accountID)
	delete(s.restarts, accountID)
}

// Health returns the status of every running worker keyed by account ID.
func (s *Supervisor) Health() map[string]Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	health := make(map[string]Status, len(s.workers))
	for id, run := range s.workers {
		health[id] = run.worker.Status()
	}
	return health
}

// Run starts all idle-enabled accounts and supervises them until ctx is
// canceled, then stops everything.
func (s *Supervisor) Run(ctx context.Context) error {
	if err := s.StartAll(ctx); err != nil {
		return err
	}

	ticker := time.NewTicker(watchdogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.StopAll()
			return nil
		case <-ticker.C:
			s.patrol(ctx)
		}
	}
}

// patrol restarts exited or wedged workers and retires accounts that keep
// failing to stay up. It waits on workers outside the mutex so a stuck one
// cannot block Health, Start, or Stop calls.
func (s *Supervisor) patrol(ctx context.Context) {
	s.mu.Lock()
	stale := make(map[string]*supervised)
	for id, run := range s.workers {
		status := run.worker.Status()

		exited := false
		select {
		case <-run.done:
			exited = true
		default:
		}

		wedged := time.Since(status.UpdatedAt) > wedgedAfter
		if !exited && !wedged {
			// A worker that reached a healthy idle state earns back its
			// restart allowance.
			if status.State == StateIdle && status.Failures == 0 {
				delete(s.restarts, id)
			}
			continue
		}

		if !exited {
			s.log.WithField("account_id", id).Warn("Worker wedged, forcing restart")
		}
		delete(s.workers, id)
		stale[id] = run
	}
	s.mu.Unlock()

	if len(stale) == 0 {
		return
	}

	for _, run := range stale {
		run.cancel()
	}
	for id, run := range stale {
		if !waitDone(run.done, stopTimeout) {
			s.log.WithField("account_id", id).Error("Worker did not exit, abandoning goroutine")
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for id := range stale {
		if s.retired[id] {
			continue
		}
		s.restarts[id]++
		if s.restarts[id] >= maxRestarts {
			s.retired[id] = true
			s.log.WithFields(logrus.Fields{
				"account_id": id,
				"restarts":   s.restarts[id],
			}).Error("Retiring account after repeated restarts")
			continue
		}

		s.log.WithFields(logrus.Fields{
			"account_id": id,
			"restarts":   s.restarts[id],
		}).Warn("Restarting idle worker")
		s.startLocked(ctx, id)
	}
}
