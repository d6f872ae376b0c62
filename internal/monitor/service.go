// Package monitor probes reachability of network targets.
package monitor

import (
	"context"
	"sync"
	"time"

	probing "github.com/prometheus-community/pro-bing"

	"grimm.is/hostguard/internal/errors"
	"grimm.is/hostguard/internal/logging"
)

// DefaultPingTimeout bounds a single ping check.
const DefaultPingTimeout = 2 * time.Second

// Checker probes a target.
type Checker interface {
	Check(ctx context.Context, target string) error
}

// CheckerFunc adapts a function to Checker.
type CheckerFunc func(ctx context.Context, target string) error

// Check implements Checker.
func (f CheckerFunc) Check(ctx context.Context, target string) error {
	return f(ctx, target)
}

// CheckPingFunc sends one unprivileged ICMP echo and waits for the reply.
// Tests replace it.
var CheckPingFunc = func(ctx context.Context, target string, timeout time.Duration) error {
	pinger, err := probing.NewPinger(target)
	if err != nil {
		return errors.Wrapf(err, errors.KindValidation, "failed to create pinger for %s", target)
	}

	pinger.Count = 1
	pinger.Timeout = timeout
	pinger.SetPrivileged(false)

	if err := pinger.RunWithContext(ctx); err != nil {
		return errors.Wrapf(err, errors.KindTransientIO, "ping %s", target)
	}
	if pinger.Statistics().PacketsRecv == 0 {
		return errors.Errorf(errors.KindTimeout, "no reply from %s", target)
	}
	return nil
}

// Pinger is a Checker backed by ICMP echo.
type Pinger struct {
	Timeout time.Duration
}

// Check implements Checker.
func (p Pinger) Check(ctx context.Context, target string) error {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = DefaultPingTimeout
	}
	return CheckPingFunc(ctx, target, timeout)
}

// Probe checks one target on an interval and reports when it goes down
// after Failures consecutive failed checks, and when it comes back.
type Probe struct {
	Name     string
	Target   string
	Interval time.Duration
	Failures int
	Checker  Checker
	OnDown   func(err error)
	OnUp     func()
	Logger   *logging.Logger

	mu   sync.Mutex
	down bool
	fail int
}

// Down reports whether the probe currently considers the target down.
func (p *Probe) Down() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.down
}

// Run checks until ctx is done.
func (p *Probe) Run(ctx context.Context) {
	interval := p.Interval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	logger := logging.OrDefault(p.Logger).WithComponent("monitor")
	logger.Debug("starting probe", "probe", p.Name, "target", p.Target, "interval", interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.observe(ctx, logger)
		}
	}
}

func (p *Probe) observe(ctx context.Context, logger *logging.Logger) {
	threshold := p.Failures
	if threshold <= 0 {
		threshold = 1
	}

	err := p.Checker.Check(ctx, p.Target)
	if ctx.Err() != nil {
		return
	}

	p.mu.Lock()
	var wentDown, cameUp bool
	if err != nil {
		p.fail++
		if !p.down && p.fail >= threshold {
			p.down, wentDown = true, true
		}
	} else {
		p.fail = 0
		if p.down {
			p.down, cameUp = false, true
		}
	}
	p.mu.Unlock()

	switch {
	case wentDown:
		logger.Warn("target is down", "probe", p.Name, "target", p.Target, "error", err)
		if p.OnDown != nil {
			p.OnDown(err)
		}
	case cameUp:
		logger.Info("target is up", "probe", p.Name, "target", p.Target)
		if p.OnUp != nil {
			p.OnUp()
		}
	}
}
