package idle

import (
	"context"
	"net"
	"testing"
	"time"

	logrustest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vdavid/mailsync/internal/models"
	syncer "github.com/vdavid/mailsync/internal/sync"
	"github.com/vdavid/mailsync/internal/testutil"
)

func newSupervisorFixture(t *testing.T) (*Supervisor, *testutil.MemStore) {
	t.Helper()

	encryptor := testutil.NewTestEncryptor(t)
	s := testutil.NewMemStore()
	engine := syncer.NewEngine(s, encryptor, quietLogger())
	return NewSupervisor(s, engine, encryptor, quietLogger(), fastPolicy()), s
}

func TestSupervisorStartAccount(t *testing.T) {
	ctx := context.Background()

	t.Run("starts one worker per account", func(t *testing.T) {
		supervisor, s := newSupervisorFixture(t)
		account, _ := unreachableAccount(t)
		s.AddAccount(account)
		defer supervisor.StopAll()

		require.NoError(t, supervisor.StartAccount(ctx, account.ID))

		health := supervisor.Health()
		require.Len(t, health, 1)
		assert.Contains(t, health, account.ID)

		// Starting again is a no-op, not a second worker.
		require.NoError(t, supervisor.StartAccount(ctx, account.ID))
		assert.Len(t, supervisor.Health(), 1)
	})

	t.Run("rejects unknown accounts", func(t *testing.T) {
		supervisor, _ := newSupervisorFixture(t)
		err := supervisor.StartAccount(ctx, "missing")
		require.Error(t, err)
	})

	t.Run("rejects accounts without idle enabled", func(t *testing.T) {
		supervisor, s := newSupervisorFixture(t)
		account, _ := unreachableAccount(t)
		account.UseIdle = false
		s.AddAccount(account)

		err := supervisor.StartAccount(ctx, account.ID)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "not configured for idle")
	})

	t.Run("rejects accounts without IMAP configuration", func(t *testing.T) {
		supervisor, s := newSupervisorFixture(t)
		account := &models.Account{ID: "bare", Email: "bare@example.com", IsActive: true, UseIdle: true}
		s.AddAccount(account)

		err := supervisor.StartAccount(ctx, account.ID)
		require.Error(t, err)
	})

	t.Run("rejects retired accounts until reset", func(t *testing.T) {
		supervisor, s := newSupervisorFixture(t)
		account, _ := unreachableAccount(t)
		s.AddAccount(account)

		supervisor.mu.Lock()
		supervisor.retired[account.ID] = true
		supervisor.mu.Unlock()

		err := supervisor.StartAccount(ctx, account.ID)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "retired")

		supervisor.ResetAccount(account.ID)
		require.NoError(t, supervisor.StartAccount(ctx, account.ID))
		supervisor.StopAll()
	})
}

func TestSupervisorStartAll(t *testing.T) {
	ctx := context.Background()
	supervisor, s := newSupervisorFixture(t)
	defer supervisor.StopAll()

	idleEnabled, _ := unreachableAccount(t)
	s.AddAccount(idleEnabled)

	pollOnly, _ := unreachableAccount(t)
	pollOnly.ID = "acct-poll"
	pollOnly.UseIdle = false
	s.AddAccount(pollOnly)

	require.NoError(t, supervisor.StartAll(ctx))

	health := supervisor.Health()
	assert.Len(t, health, 1)
	assert.Contains(t, health, idleEnabled.ID)
}

func TestSupervisorStop(t *testing.T) {
	ctx := context.Background()

	t.Run("stop account waits for the worker", func(t *testing.T) {
		supervisor, s := newSupervisorFixture(t)
		account, _ := unreachableAccount(t)
		s.AddAccount(account)

		require.NoError(t, supervisor.StartAccount(ctx, account.ID))
		supervisor.StopAccount(account.ID)
		assert.Empty(t, supervisor.Health())

		// Stopping an already stopped account is harmless.
		supervisor.StopAccount(account.ID)
	})

	t.Run("stop all drains every worker", func(t *testing.T) {
		supervisor, s := newSupervisorFixture(t)
		a, _ := unreachableAccount(t)
		s.AddAccount(a)
		b, _ := unreachableAccount(t)
		b.ID = "acct-b"
		s.AddAccount(b)

		require.NoError(t, supervisor.StartAll(ctx))
		require.Len(t, supervisor.Health(), 2)

		supervisor.StopAll()
		assert.Empty(t, supervisor.Health())
	})

	t.Run("stop account returns even when the server stops answering", func(t *testing.T) {
		addr := scriptedIMAP(t, func(conn net.Conn, _ int) {
			if sc := answerIMAP(conn, false); sc != nil {
				for sc.Scan() {
				}
			}
		})
		supervisor, s := newSupervisorFixture(t)
		account, _ := scriptedAccount(t, addr)
		s.AddAccount(account)

		require.NoError(t, supervisor.StartAccount(ctx, account.ID))
		require.Eventually(t, func() bool {
			return supervisor.Health()[account.ID].State == StateIdle
		}, 2*time.Second, 5*time.Millisecond, "worker never reached idle")

		stopped := make(chan struct{})
		go func() {
			defer close(stopped)
			supervisor.StopAccount(account.ID)
		}()
		select {
		case <-stopped:
		case <-time.After(4 * time.Second):
			t.Fatal("stop blocked on a dead connection")
		}
		assert.Empty(t, supervisor.Health())
	})
}

func TestSupervisorPatrol(t *testing.T) {
	ctx := context.Background()

	encryptor := testutil.NewTestEncryptor(t)
	s := testutil.NewMemStore()
	engine := syncer.NewEngine(s, encryptor, quietLogger())
	logger, hook := logrustest.NewNullLogger()
	supervisor := NewSupervisor(s, engine, encryptor, logger, fastPolicy())

	account, _ := unreachableAccount(t)
	s.AddAccount(account)
	require.NoError(t, supervisor.StartAccount(ctx, account.ID))
	defer supervisor.StopAll()

	// Kill the worker behind the supervisor's back, then let the watchdog
	// find the corpse.
	supervisor.mu.Lock()
	run := supervisor.workers[account.ID]
	supervisor.mu.Unlock()
	run.cancel()
	select {
	case <-run.done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not exit after cancellation")
	}

	hook.Reset()
	supervisor.patrol(ctx)

	require.Len(t, supervisor.Health(), 1, "exited worker must be restarted")

	supervisor.mu.Lock()
	restarts := supervisor.restarts[account.ID]
	supervisor.mu.Unlock()
	assert.Equal(t, 1, restarts)

	var restartLogged bool
	for _, entry := range hook.AllEntries() {
		if entry.Message == "Starting idle worker" && entry.Data["account"] == account.Email {
			restartLogged = true
		}
	}
	assert.True(t, restartLogged, "restart must be logged under the account email")
}

func TestSupervisorRun(t *testing.T) {
	supervisor, s := newSupervisorFixture(t)
	account, _ := unreachableAccount(t)
	s.AddAccount(account)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = supervisor.Run(ctx)
	}()

	require.Eventually(t, func() bool {
		return len(supervisor.Health()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("supervisor did not stop after cancellation")
	}
	assert.Empty(t, supervisor.Health())
}
