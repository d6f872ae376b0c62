// Package vpn drives external VPN clients for VPN zones and hands the
// resulting tunnel state to the enforcer.
package vpn

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"sync"
	"time"

	"grimm.is/hostguard/internal/clock"
	"grimm.is/hostguard/internal/errors"
	"grimm.is/hostguard/internal/events"
	"grimm.is/hostguard/internal/firewall"
	"grimm.is/hostguard/internal/logging"
	"grimm.is/hostguard/internal/metrics"
	"grimm.is/hostguard/internal/monitor"
	"grimm.is/hostguard/internal/zone"
)

// State is a zone's connection state.
type State string

const (
	Disconnected  State = "disconnected"
	Connecting    State = "connecting"
	Connected     State = "connected"
	Disconnecting State = "disconnecting"
	Failed        State = "failed"
)

// AllStates lists every state, for metrics.
var AllStates = []string{
	string(Disconnected), string(Connecting), string(Connected), string(Disconnecting), string(Failed),
}

func (s State) active() bool {
	return s == Connecting || s == Connected || s == Disconnecting
}

// Status is the observable state of one zone.
type Status struct {
	Zone      string       `json:"zone"`
	State     State        `json:"state"`
	Since     time.Time    `json:"since"`
	Kind      zone.VPNKind `json:"kind,omitempty"`
	Interface string       `json:"interface,omitempty"`
	PID       int          `json:"pid,omitempty"`
	Enforced  bool         `json:"enforced"`
	Error     string       `json:"error,omitempty"`
}

// Config holds the manager's timeouts.
type Config struct {
	ReadyTimeout   time.Duration
	StopGrace      time.Duration
	RevertTimeout  time.Duration
	HealthInterval time.Duration
	HealthFailures int
}

// DefaultConfig returns the default timeouts.
func DefaultConfig() Config {
	return Config{
		ReadyTimeout:   30 * time.Second,
		StopGrace:      10 * time.Second,
		RevertTimeout:  15 * time.Second,
		HealthInterval: 15 * time.Second,
		HealthFailures: 3,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.ReadyTimeout <= 0 {
		c.ReadyTimeout = d.ReadyTimeout
	}
	if c.StopGrace <= 0 {
		c.StopGrace = d.StopGrace
	}
	if c.RevertTimeout <= 0 {
		c.RevertTimeout = d.RevertTimeout
	}
	if c.HealthInterval <= 0 {
		c.HealthInterval = d.HealthInterval
	}
	if c.HealthFailures <= 0 {
		c.HealthFailures = d.HealthFailures
	}
}

// Enforcer applies and releases a zone's enforcement.
type Enforcer interface {
	Enforce(ctx context.Context, z zone.Zone) (firewall.Result, error)
	Revert(ctx context.Context) error
}

// Zones resolves zone definitions.
type Zones interface {
	Get(id string) (zone.Zone, error)
}

// Options configures a Manager.
type Options struct {
	Config   Config
	Zones    Zones
	Enforcer Enforcer
	Launcher Launcher
	Health   HealthChecker
	Sink     *events.Sink
	Logger   *logging.Logger
	Clock    clock.Clock
}

type session struct {
	zone     zone.Zone
	status   Status
	stopping bool
	cancel   context.CancelFunc
	done     chan struct{}
	settled  chan struct{}
	once     sync.Once
}

func (s *session) settle() {
	s.once.Do(func() { close(s.settled) })
}

// Manager runs at most one VPN session at a time.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*session

	cfg      Config
	zones    Zones
	enforcer Enforcer
	launcher Launcher
	health   HealthChecker
	sink     *events.Sink
	logger   *logging.Logger
	clock    clock.Clock

	wg sync.WaitGroup
}

// NewManager returns a Manager.
func NewManager(opts Options) *Manager {
	opts.Config.applyDefaults()
	if opts.Launcher == nil {
		opts.Launcher = ExecLauncher{}
	}
	return &Manager{
		sessions: make(map[string]*session),
		cfg:      opts.Config,
		zones:    opts.Zones,
		enforcer: opts.Enforcer,
		launcher: opts.Launcher,
		health:   opts.Health,
		sink:     opts.Sink,
		logger:   logging.OrDefault(opts.Logger).WithComponent("vpn"),
		clock:    clock.OrReal(opts.Clock),
	}
}

// Connect starts the VPN client of zone id. It returns once the zone is
// connecting; use Wait to block until the attempt settles.
func (m *Manager) Connect(id string) (Status, error) {
	z, err := m.zones.Get(id)
	if err != nil {
		return Status{}, err
	}
	if !z.IsVPN() {
		return Status{}, errors.Errorf(errors.KindValidation, "zone %q is not a VPN zone", id)
	}
	if !z.Enabled {
		return Status{}, errors.Errorf(errors.KindValidation, "zone %q is disabled", id)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for other, s := range m.sessions {
		if s.status.State.active() {
			return Status{}, errors.Errorf(errors.KindConflict, "zone %q is %s", other, s.status.State)
		}
		select {
		case <-s.done:
		default:
			return Status{}, errors.Errorf(errors.KindConflict, "zone %q is still shutting down", other)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &session{
		zone: z,
		status: Status{
			Zone:      z.ID,
			State:     Disconnected,
			Kind:      z.VPN.Kind,
			Interface: z.VPN.Interface,
		},
		cancel:  cancel,
		done:    make(chan struct{}),
		settled: make(chan struct{}),
	}
	m.sessions[id] = s
	m.transitionLocked(s, Connecting, "")

	m.wg.Add(1)
	go m.run(ctx, s)
	return s.status, nil
}

// Wait blocks until zone id is no longer connecting and returns its status.
func (m *Manager) Wait(ctx context.Context, id string) (Status, error) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	m.mu.Unlock()
	if !ok {
		return m.Status(id)
	}
	select {
	case <-s.settled:
	case <-ctx.Done():
		return Status{}, errors.Wrapf(ctx.Err(), errors.KindTimeout, "waiting for zone %q", id)
	}
	return m.Status(id)
}

// Disconnect stops zone id's client and reverts enforcement. It interrupts
// a connection attempt in progress. Disconnecting an idle zone is a no-op.
func (m *Manager) Disconnect(ctx context.Context, id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		if _, err := m.zones.Get(id); err != nil {
			return err
		}
		return nil
	}
	switch s.status.State {
	case Disconnected:
		m.mu.Unlock()
		return nil
	case Disconnecting:
		m.mu.Unlock()
		<-s.done
		return nil
	}
	s.stopping = true
	m.transitionLocked(s, Disconnecting, "")
	s.settle()
	m.mu.Unlock()

	s.cancel()
	<-s.done

	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.RevertTimeout)
	defer cancel()
	err := m.enforcer.Revert(rctx)

	m.mu.Lock()
	s.status.Enforced = false
	s.status.PID = 0
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	m.transitionLocked(s, Disconnected, msg)
	m.mu.Unlock()

	if err != nil {
		return errors.Wrapf(err, errors.KindEnforcementFailure, "zone %q disconnected but enforcement was not released", id)
	}
	return nil
}

// Shutdown disconnects every session and waits for supervisors to exit.
func (m *Manager) Shutdown(ctx context.Context) error {
	var errs []error
	for _, st := range m.List() {
		if st.State != Disconnected {
			if err := m.Disconnect(ctx, st.Zone); err != nil {
				errs = append(errs, err)
			}
		}
	}
	m.wg.Wait()
	return errors.Join(errs...)
}

// Status returns the status of zone id.
func (m *Manager) Status(id string) (Status, error) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if ok {
		st := s.status
		m.mu.Unlock()
		return st, nil
	}
	m.mu.Unlock()

	z, err := m.zones.Get(id)
	if err != nil {
		return Status{}, err
	}
	if !z.IsVPN() {
		return Status{}, errors.Errorf(errors.KindValidation, "zone %q is not a VPN zone", id)
	}
	return Status{Zone: id, State: Disconnected, Kind: z.VPN.Kind, Interface: z.VPN.Interface}, nil
}

// List returns the status of every zone that has had a session.
func (m *Manager) List() []Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Status, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.status)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Zone < out[j].Zone })
	return out
}

// Active returns the session holding the single-VPN slot, if any.
func (m *Manager) Active() (Status, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sessions {
		if s.status.State.active() {
			return s.status, true
		}
	}
	return Status{}, false
}

// InUse reports whether zone id has a live session. The zone registry uses
// it to refuse removing such zones.
func (m *Manager) InUse(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return ok && (s.status.State.active() || (s.status.State == Failed && s.status.Enforced))
}

// transitionLocked must be called with m.mu held.
func (m *Manager) transitionLocked(s *session, to State, errMsg string) {
	from := s.status.State
	s.status.State = to
	s.status.Since = m.clock.Now()
	s.status.Error = errMsg

	met := metrics.Get()
	met.SetVPNState(s.zone.ID, string(to), AllStates)
	met.VPNTransitions.WithLabelValues(s.zone.ID, string(to)).Inc()

	sev := events.SeverityInfo
	if to == Failed {
		sev = events.SeverityCritical
		m.logger.Error("vpn failed", "zone", s.zone.ID, "from", from, "error", errMsg)
	} else {
		m.logger.Info("vpn state changed", "zone", s.zone.ID, "from", from, "to", to)
	}
	m.sink.Emit(events.KindVPNState, sev, "vpn", s.zone.ID,
		fmt.Sprintf("vpn %s: %s -> %s", s.zone.ID, from, to),
		events.VPNStateData{Zone: s.zone.ID, From: string(from), To: string(to), Error: errMsg})
}

func (m *Manager) emitLine(z zone.Zone, line string) {
	m.logger.Debug("vpn output", "zone", z.ID, "line", line)
	m.sink.Emit(events.KindVPNLog, events.SeverityInfo, "vpn", z.ID, line,
		events.VPNLogData{Zone: z.ID, Line: line})
}

// fail ends a connection attempt that never reached connected.
func (m *Manager) fail(s *session, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.stopping {
		return
	}
	s.status.PID = 0
	m.transitionLocked(s, Failed, err.Error())
	s.settle()
}

// markConnected reports false if a disconnect won the race.
func (m *Manager) markConnected(s *session) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.stopping {
		return false
	}
	m.transitionLocked(s, Connected, "")
	s.settle()
	return true
}

// enforce applies the zone's enforcement. A failed commit has already been
// rolled back and alerted by the enforcer; the tunnel stays up.
func (m *Manager) enforce(ctx context.Context, s *session) {
	if _, err := m.enforcer.Enforce(ctx, s.zone); err != nil {
		m.logger.Error("failed to enforce vpn zone policy", "zone", s.zone.ID, "error", err)
		return
	}
	m.mu.Lock()
	s.status.Enforced = true
	m.mu.Unlock()
}

// lost handles a tunnel that died while connected. Enforcement is released
// unless the zone is fail-closed.
func (m *Manager) lost(s *session, err error) {
	m.mu.Lock()
	if s.stopping {
		m.mu.Unlock()
		return
	}
	s.status.PID = 0
	m.transitionLocked(s, Failed, err.Error())
	failClosed := s.zone.VPN.FailClosed
	m.mu.Unlock()

	if failClosed {
		m.logger.Warn("fail-closed zone lost its tunnel, enforcement kept", "zone", s.zone.ID)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.RevertTimeout)
	defer cancel()
	if rerr := m.enforcer.Revert(ctx); rerr != nil {
		m.logger.Error("failed to release enforcement after vpn failure", "zone", s.zone.ID, "error", rerr)
		return
	}
	m.mu.Lock()
	s.status.Enforced = false
	m.mu.Unlock()
}

func (m *Manager) run(ctx context.Context, s *session) {
	defer m.wg.Done()
	defer close(s.done)
	defer s.cancel()

	if s.zone.VPN.Kind == zone.VPNService {
		m.runService(ctx, s)
		return
	}
	m.runProcess(ctx, s)
}

func processCommand(v *zone.VPNSpec) (string, []string) {
	exe := v.Executable
	if exe == "" {
		exe = "openvpn"
	}
	args := v.Args
	if len(args) == 0 && v.ConfigPath != "" {
		args = []string{"--config", v.ConfigPath}
	}
	return exe, args
}

func serviceCommands(v *zone.VPNSpec) (exe string, up, down []string) {
	exe = v.Executable
	if exe == "" {
		exe = "wg-quick"
	}
	up, down = v.Args, v.DownArgs
	if len(up) == 0 && v.ConfigPath != "" {
		up = []string{"up", v.ConfigPath}
	}
	if len(down) == 0 && v.ConfigPath != "" {
		down = []string{"down", v.ConfigPath}
	}
	return exe, up, down
}

func (m *Manager) runProcess(ctx context.Context, s *session) {
	z := s.zone
	exe, args := processCommand(z.VPN)
	m.logger.Info("starting vpn client", "zone", z.ID, "command", exe, "args", args)

	h, err := m.launcher.Start(exe, args)
	if err != nil {
		m.fail(s, errors.Wrap(err, errors.KindProcessFailure, "vpn client did not start"))
		return
	}
	defer h.Stop(0)

	m.mu.Lock()
	s.status.PID = h.PID()
	m.mu.Unlock()

	ready, err := regexp.Compile(z.VPN.ReadyPattern)
	if err != nil || z.VPN.ReadyPattern == "" {
		ready = regexp.MustCompile(regexp.QuoteMeta(zone.DefaultReadyPattern))
	}

	timer := time.NewTimer(m.cfg.ReadyTimeout)
	defer timer.Stop()
	lines := h.Lines()

wait:
	for {
		select {
		case line, ok := <-lines:
			if !ok {
				lines = nil
				continue
			}
			m.emitLine(z, line)
			if ready.MatchString(line) {
				break wait
			}
		case <-h.Done():
			m.drain(z, lines)
			m.fail(s, exitError(h.Err(), "vpn client exited before it was ready"))
			return
		case <-timer.C:
			m.stop(z, h)
			m.fail(s, errors.Errorf(errors.KindTimeout, "vpn client not ready within %s", m.cfg.ReadyTimeout))
			return
		case <-ctx.Done():
			m.stop(z, h)
			return
		}
	}

	if !m.markConnected(s) {
		m.stop(z, h)
		return
	}
	m.enforce(ctx, s)

	unhealthy := m.watchHealth(ctx, z)
	for {
		select {
		case line, ok := <-lines:
			if !ok {
				lines = nil
				continue
			}
			m.emitLine(z, line)
		case <-h.Done():
			m.drain(z, lines)
			m.lost(s, exitError(h.Err(), "vpn client exited unexpectedly"))
			return
		case herr := <-unhealthy:
			m.stop(z, h)
			m.lost(s, herr)
			return
		case <-ctx.Done():
			m.stop(z, h)
			return
		}
	}
}

func (m *Manager) runService(ctx context.Context, s *session) {
	z := s.zone
	exe, up, down := serviceCommands(z.VPN)
	m.logger.Info("bringing vpn service up", "zone", z.ID, "command", exe, "args", up)

	uctx, cancel := context.WithTimeout(ctx, m.cfg.ReadyTimeout)
	out, err := m.launcher.Run(uctx, exe, up)
	cancel()
	for _, line := range out {
		m.emitLine(z, line)
	}

	if ctx.Err() != nil {
		m.serviceDown(z, exe, down)
		return
	}
	if err != nil {
		m.serviceDown(z, exe, down)
		m.fail(s, errors.Wrap(err, errors.KindProcessFailure, "vpn service did not come up"))
		return
	}

	if !m.markConnected(s) {
		m.serviceDown(z, exe, down)
		return
	}
	m.enforce(ctx, s)

	select {
	case herr := <-m.watchHealth(ctx, z):
		m.serviceDown(z, exe, down)
		m.lost(s, herr)
	case <-ctx.Done():
		m.serviceDown(z, exe, down)
	}
}

// serviceDown runs the down command. A failing down command is logged; the
// zone is still considered disconnected.
func (m *Manager) serviceDown(z zone.Zone, exe string, args []string) {
	if len(args) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.StopGrace)
	defer cancel()
	out, err := m.launcher.Run(ctx, exe, args)
	for _, line := range out {
		m.emitLine(z, line)
	}
	if err != nil {
		m.logger.Error("vpn service down command failed", "zone", z.ID, "error", err)
	}
}

func (m *Manager) stop(z zone.Zone, h Handle) {
	if err := h.Stop(m.cfg.StopGrace); err != nil {
		m.logger.Error("failed to stop vpn client", "zone", z.ID, "error", err)
	}
}

// drain forwards output still buffered after the client exited.
func (m *Manager) drain(z zone.Zone, lines <-chan string) {
	if lines == nil {
		return
	}
	t := time.NewTimer(200 * time.Millisecond)
	defer t.Stop()
	for {
		select {
		case line, ok := <-lines:
			if !ok {
				return
			}
			m.emitLine(z, line)
		case <-t.C:
			return
		}
	}
}

// watchHealth returns a channel that receives once when the zone's tunnel
// fails HealthFailures consecutive checks. It never fires without a checker.
func (m *Manager) watchHealth(ctx context.Context, z zone.Zone) <-chan error {
	ch := make(chan error, 1)
	if m.health == nil {
		return ch
	}
	probe := &monitor.Probe{
		Name:     "vpn:" + z.ID,
		Target:   z.VPN.Interface,
		Interval: m.cfg.HealthInterval,
		Failures: m.cfg.HealthFailures,
		Checker: monitor.CheckerFunc(func(ctx context.Context, _ string) error {
			return m.health.Check(ctx, z)
		}),
		OnDown: func(err error) {
			select {
			case ch <- errors.Wrap(err, errors.KindProcessFailure, "vpn health check failed"):
			default:
			}
		},
		Logger: m.logger,
	}
	go probe.Run(ctx)
	return ch
}

func exitError(err error, msg string) error {
	if err == nil {
		return errors.New(errors.KindProcessFailure, msg+" (exit status 0)")
	}
	return errors.Wrap(err, errors.KindProcessFailure, msg)
}
