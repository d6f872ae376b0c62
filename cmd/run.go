package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"grimm.is/hostguard/internal/config"
	"grimm.is/hostguard/internal/logging"
)

// newLogger builds the process logger at the configured level; verbose
// forces debug.
func newLogger(cfg *config.Config, verbose bool) *logging.Logger {
	lc := logging.DefaultConfig()
	lc.Level = cfg.Level()
	if verbose {
		lc.Level = logging.LevelDebug
	}
	logger := logging.New(lc)
	logging.SetDefault(logger)
	return logger
}

// RunDaemon runs hostguard in the foreground until SIGINT or SIGTERM.
func RunDaemon(configFile string, verbose bool) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}
	logger := newLogger(cfg, verbose)
	logger.Info("configuration loaded", "path", configFile, "zones", len(cfg.Zones))

	app, err := Build(cfg, logger, BuildOptions{})
	if err != nil {
		return err
	}
	defer app.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return app.Run(ctx)
}
