package cmd

import (
	"context"
	"io"
	"os"

	"grimm.is/hostguard/internal/config"
	"grimm.is/hostguard/internal/errors"
	"grimm.is/hostguard/internal/firewall"
	"grimm.is/hostguard/internal/state"
)

// RunRecover removes rules left installed by a crashed run and clears the
// persisted live enforcement state.
func RunRecover(ctx context.Context, configFile string, backend firewall.Backend, out io.Writer) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}
	logger := newLogger(cfg, false)

	if err := os.MkdirAll(cfg.StateDir, 0o750); err != nil {
		return errors.Wrapf(err, errors.KindTransientIO, "create state dir %s", cfg.StateDir)
	}
	store, err := state.NewSQLiteStore(state.DefaultOptions(cfg.StatePath()))
	if err != nil {
		return err
	}
	defer store.Close()

	if backend == nil {
		if backend, err = newBackend(cfg.Enforcer.Backend); err != nil {
			return err
		}
	}
	enf := firewall.New(firewall.Options{
		Backend:       backend,
		Store:         store,
		Logger:        logger,
		CommitTimeout: cfg.CommitTimeout(),
	})
	n, err := enf.Recover(ctx)
	if err != nil {
		return err
	}
	Printer.Fprintf(out, "Removed %d stale rules\n", n)
	return nil
}
