// Command mailsync runs the synchronization engines: a one-shot poll sync,
// a one-shot delivery pass, or the long-running IDLE supervisor.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/vdavid/mailsync/internal/config"
	"github.com/vdavid/mailsync/internal/crypto"
	"github.com/vdavid/mailsync/internal/deliver"
	"github.com/vdavid/mailsync/internal/idle"
	"github.com/vdavid/mailsync/internal/models"
	"github.com/vdavid/mailsync/internal/store"
	syncengine "github.com/vdavid/mailsync/internal/sync"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	// Signals cancel the context; every engine loop observes it.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var err error
	switch os.Args[1] {
	case "sync":
		err = runSync(ctx, os.Args[2:])
	case "deliver":
		err = runDeliver(ctx, os.Args[2:])
	case "idle":
		err = runIdle(ctx, os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "mailsync %s: %v\n", os.Args[1], err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `Usage: mailsync <command> [flags]

Commands:
  sync      poll accounts for unseen mail once
  deliver   send pending outgoing messages once
  idle      monitor accounts over IMAP IDLE until interrupted`)
}

// app bundles the shared wiring every subcommand needs.
type app struct {
	cfg       *config.Config
	store     *store.Postgres
	encryptor *crypto.Encryptor
	log       *logrus.Logger
	close     func()
}

func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.NewConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	logger := logrus.New()
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logger.SetLevel(level)
	}

	pool, err := store.NewConnection(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	encryptor, err := crypto.NewEncryptor(cfg.EncryptionKeyBase64)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to create encryptor: %w", err)
	}

	return &app{
		cfg:       cfg,
		store:     store.NewPostgres(pool),
		encryptor: encryptor,
		log:       logger,
		close:     pool.Close,
	}, nil
}

func runSync(ctx context.Context, args []string) error {
	flags := flag.NewFlagSet("sync", flag.ExitOnError)
	accountID := flags.String("account", "", "sync only this account ID")
	forceTLS := flags.Bool("force-tls", false, "force STARTTLS regardless of account settings")
	forceSSL := flags.Bool("force-ssl", false, "force implicit TLS regardless of account settings")
	if err := flags.Parse(args); err != nil {
		return err
	}
	if *forceTLS && *forceSSL {
		return fmt.Errorf("-force-tls and -force-ssl are mutually exclusive")
	}

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	engine := syncengine.NewEngine(a.store, a.encryptor, a.log)
	if *forceSSL {
		engine.SecurityOverride = models.SecuritySSL
	} else if *forceTLS {
		engine.SecurityOverride = models.SecurityStartTLS
	}

	var result models.BatchResult
	if *accountID != "" {
		account, err := a.store.GetAccount(ctx, *accountID)
		if err != nil {
			return err
		}
		count, err := engine.SyncAccount(ctx, account)
		result.Processed = count
		if err != nil {
			result.Record(account.ID, err)
		}
	} else {
		result, err = engine.SyncAll(ctx)
		if err != nil {
			return err
		}
	}

	printResult("synced", result)
	if result.Failed > 0 {
		return fmt.Errorf("%d account(s) failed", result.Failed)
	}
	return nil
}

func runDeliver(ctx context.Context, args []string) error {
	flags := flag.NewFlagSet("deliver", flag.ExitOnError)
	accountID := flags.String("account", "", "deliver only this account's messages")
	retryFailed := flags.Bool("retry-failed", false, "also retry messages in the failed state")
	if err := flags.Parse(args); err != nil {
		return err
	}

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	engine := deliver.NewEngine(a.store, a.encryptor, a.log)
	result, err := engine.DeliverPending(ctx, *accountID, *retryFailed)
	if err != nil {
		return err
	}

	printResult("delivered", result)
	if result.Failed > 0 {
		return fmt.Errorf("%d message(s) failed", result.Failed)
	}
	return nil
}

func runIdle(ctx context.Context, args []string) error {
	flags := flag.NewFlagSet("idle", flag.ExitOnError)
	accountID := flags.String("account", "", "monitor only this account ID")
	if err := flags.Parse(args); err != nil {
		return err
	}

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	engine := syncengine.NewEngine(a.store, a.encryptor, a.log)
	supervisor := idle.NewSupervisor(a.store, engine, a.encryptor, a.log, idle.DefaultPolicy())

	if *accountID != "" {
		if err := supervisor.StartAccount(ctx, *accountID); err != nil {
			return err
		}
		a.log.Info("Monitoring one account, press Ctrl-C to stop")
		<-ctx.Done()
		supervisor.StopAll()
		return nil
	}

	a.log.Info("Monitoring all idle-enabled accounts, press Ctrl-C to stop")
	return supervisor.Run(ctx)
}

func printResult(verb string, result models.BatchResult) {
	fmt.Printf("%s %d, failed %d\n", verb, result.Processed, result.Failed)
	for _, failure := range result.Failures {
		fmt.Printf("  %s: %s\n", failure.ID, failure.Error)
	}
}
