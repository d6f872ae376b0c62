package cmd

import (
	"context"
	"os"
	"sync"
	"time"

	"grimm.is/hostguard/internal/api"
	"grimm.is/hostguard/internal/collector"
	"grimm.is/hostguard/internal/config"
	"grimm.is/hostguard/internal/errors"
	"grimm.is/hostguard/internal/events"
	"grimm.is/hostguard/internal/firewall"
	"grimm.is/hostguard/internal/i18n"
	"grimm.is/hostguard/internal/logging"
	"grimm.is/hostguard/internal/monitor"
	"grimm.is/hostguard/internal/pipeline"
	"grimm.is/hostguard/internal/scheduler"
	"grimm.is/hostguard/internal/security"
	"grimm.is/hostguard/internal/state"
	"grimm.is/hostguard/internal/vpn"
	"grimm.is/hostguard/internal/zone"
)

// Printer is the global message printer for the CLI
var Printer = i18n.NewCLIPrinter()

// shutdownTimeout bounds VPN teardown on exit.
const shutdownTimeout = 30 * time.Second

// BuildOptions overrides host-dependent parts of the daemon.
type BuildOptions struct {
	Backend firewall.Backend   // nil selects cfg.Enforcer.Backend
	Sources []collector.Source // nil selects the host sources
}

// App is a wired daemon.
type App struct {
	Config    *config.Config
	Logger    *logging.Logger
	Store     *state.SQLiteStore
	Sink      *events.Sink
	Zones     *zone.Registry
	Enforcer  *firewall.Enforcer
	Security  *security.Engine
	VPN       *vpn.Manager
	Collector *collector.Collector
	Pipeline  *pipeline.Pipeline
	Scheduler *scheduler.Scheduler
	API       *api.Server

	geo     *security.MaxMindDB
	closers []func() error
}

// newBackend returns the enforcement backend named by the configuration.
func newBackend(name string) (firewall.Backend, error) {
	switch name {
	case "memory":
		return firewall.NewMemoryBackend(), nil
	case "", "nftables":
		return firewall.NewHostBackend()
	default:
		return nil, errors.Errorf(errors.KindValidation, "unknown enforcement backend %q", name)
	}
}

// Build opens state and constructs every component. Nothing is started.
func Build(cfg *config.Config, logger *logging.Logger, opts BuildOptions) (_ *App, err error) {
	a := &App{Config: cfg, Logger: logger}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	if err := os.MkdirAll(cfg.StateDir, 0o750); err != nil {
		return nil, errors.Wrapf(err, errors.KindTransientIO, "create state dir %s", cfg.StateDir)
	}
	store, err := state.NewSQLiteStore(state.DefaultOptions(cfg.StatePath()))
	if err != nil {
		return nil, err
	}
	a.Store = store
	a.closers = append(a.closers, store.Close)

	a.Sink = events.NewSink(cfg.Alerts.Capacity, nil)

	a.Zones = zone.NewRegistry(store, logger)
	if err := a.Zones.Load(cfg.ToZones()); err != nil {
		return nil, err
	}

	backend := opts.Backend
	if backend == nil {
		if backend, err = newBackend(cfg.Enforcer.Backend); err != nil {
			return nil, err
		}
	}
	a.Enforcer = firewall.New(firewall.Options{
		Backend:       backend,
		Store:         store,
		Sink:          a.Sink,
		Logger:        logger,
		CommitTimeout: cfg.CommitTimeout(),
	})

	secCfg := cfg.ToSecurity()
	secOpts := security.Options{Logger: logger, Sink: a.Sink, Store: store}
	if secCfg.Geo.Enabled && secCfg.Geo.DatabasePath != "" {
		// A missing database degrades geo checks instead of failing startup.
		if db, err := security.OpenMaxMind(secCfg.Geo.DatabasePath); err != nil {
			logger.Warn("geoip database unavailable", "path", secCfg.Geo.DatabasePath, "error", err)
		} else {
			a.geo = db
			secOpts.GeoDB = db
			a.closers = append(a.closers, db.Close)
		}
	}
	a.Security = security.New(secCfg, secOpts)

	health := &vpn.ZoneHealth{
		Ping:            monitor.Pinger{},
		MaxHandshakeAge: cfg.MaxHandshakeAge(),
	}
	if wg, err := vpn.OpenWireGuard(); err != nil {
		logger.Debug("wireguard health checks disabled", "error", err)
	} else {
		health.WireGuard = wg
		a.closers = append(a.closers, wg.Close)
	}
	a.VPN = vpn.NewManager(vpn.Options{
		Config:   cfg.ToVPN(),
		Zones:    a.Zones,
		Enforcer: a.Enforcer,
		Health:   health,
		Sink:     a.Sink,
		Logger:   logger,
	})
	a.Zones.SetInUseCheck(a.VPN.InUse)

	sources := opts.Sources
	if sources == nil {
		if sources, err = collector.HostSources(cfg.Collector.ProcRoot, cfg.Collector.Conntrack); err != nil {
			return nil, err
		}
	}
	a.Collector = collector.New(cfg.ToCollector(), collector.Options{
		Sources: sources,
		Sink:    a.Sink,
		Logger:  logger,
	})
	a.Pipeline = pipeline.New(a.Security, a.Zones, logger)

	a.Scheduler = scheduler.New(scheduler.Options{Logger: logger})
	if err := a.registerTasks(); err != nil {
		return nil, err
	}

	a.API = api.New(api.Options{
		Zones:     a.Zones,
		VPN:       a.VPN,
		Enforcer:  a.Enforcer,
		Security:  a.Security,
		Sink:      a.Sink,
		Snapshot:  a.Collector.Latest,
		Scheduler: a.Scheduler,
		Logger:    logger,
	})
	return a, nil
}

func (a *App) registerTasks() error {
	sec := a.Config.ToSecurity()
	tasks := []*scheduler.Task{
		scheduler.NewSecuritySweepTask(a.Security.GC, config.DefaultSweepInterval),
	}
	if sec.Reputation.Enabled && len(sec.Reputation.Feeds) > 0 {
		tasks = append(tasks, scheduler.NewReputationRefreshTask(
			a.Security.RefreshReputation, sec.Reputation.Interval, sec.Reputation.Timeout*time.Duration(len(sec.Reputation.Feeds)+1)))
	}
	if a.geo != nil {
		tasks = append(tasks, scheduler.NewGeoReloadTask(a.geo.Reload, a.Config.GeoReloadInterval()))
	}
	for _, t := range tasks {
		if err := a.Scheduler.AddTask(t); err != nil {
			return err
		}
	}
	return nil
}

// Run recovers enforcement state, starts every component and blocks until
// ctx is canceled. On return the VPN session is closed, which releases
// enforcement.
func (a *App) Run(ctx context.Context) error {
	if n, err := a.Enforcer.Recover(ctx); err != nil {
		return err
	} else if n > 0 {
		a.Logger.Warn("removed stale rules from a previous run", "count", n)
	}
	if err := a.Security.LoadReputation(); err != nil {
		a.Logger.Warn("no saved reputation data", "error", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	a.Scheduler.Start(runCtx)

	wg.Add(1)
	go func() {
		defer wg.Done()
		a.Collector.Run(runCtx, func(snap collector.Snapshot) { a.Pipeline.Process(snap) })
	}()

	apiErr := make(chan error, 1)
	if a.Config.APIEnabled() {
		wg.Add(1)
		go func() {
			defer wg.Done()
			apiErr <- a.API.ListenAndServe(runCtx, a.Config.API.Listen)
		}()
	}

	a.Logger.Info("hostguard running", "zones", len(a.Zones.List()), "backend", a.Enforcer.BackendName())

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-apiErr:
	}
	cancel()

	a.Logger.Info("shutting down")
	sctx, scancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer scancel()
	if err := a.VPN.Shutdown(sctx); err != nil {
		a.Logger.Error("vpn shutdown incomplete", "error", err)
		runErr = errors.Join(runErr, err)
	}
	a.Scheduler.Stop()
	wg.Wait()
	return runErr
}

// Close releases the store and host handles.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil && a.Logger != nil {
			a.Logger.Warn("close failed", "error", err)
		}
	}
	a.closers = nil
}
