package monitor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/hostguard/internal/logging"
)

func TestPinger_UsesCheckPingFunc(t *testing.T) {
	original := CheckPingFunc
	defer func() { CheckPingFunc = original }()

	var gotTimeout time.Duration
	CheckPingFunc = func(_ context.Context, target string, timeout time.Duration) error {
		gotTimeout = timeout
		if target == "10.8.0.1" {
			return nil
		}
		return errors.New("timeout")
	}

	assert.NoError(t, Pinger{}.Check(context.Background(), "10.8.0.1"))
	assert.Equal(t, DefaultPingTimeout, gotTimeout)
	assert.Error(t, Pinger{Timeout: time.Second}.Check(context.Background(), "10.9.0.1"))
	assert.Equal(t, time.Second, gotTimeout)
}

func TestProbe_DownAfterConsecutiveFailures(t *testing.T) {
	var healthy atomic.Bool
	healthy.Store(true)

	var mu sync.Mutex
	var transitions []string
	p := &Probe{
		Name:     "tunnel",
		Target:   "10.8.0.1",
		Failures: 3,
		Checker: CheckerFunc(func(context.Context, string) error {
			if healthy.Load() {
				return nil
			}
			return errors.New("unreachable")
		}),
		OnDown: func(error) { mu.Lock(); transitions = append(transitions, "down"); mu.Unlock() },
		OnUp:   func() { mu.Lock(); transitions = append(transitions, "up"); mu.Unlock() },
		Logger: logging.Discard(),
	}
	ctx := context.Background()
	logger := logging.Discard()

	p.observe(ctx, logger)
	healthy.Store(false)
	p.observe(ctx, logger)
	p.observe(ctx, logger)
	assert.False(t, p.Down())
	p.observe(ctx, logger)
	assert.True(t, p.Down())
	p.observe(ctx, logger)

	healthy.Store(true)
	p.observe(ctx, logger)
	assert.False(t, p.Down())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"down", "up"}, transitions)
}

func TestProbe_RunStopsWithContext(t *testing.T) {
	var checks atomic.Int32
	p := &Probe{
		Target:   "10.8.0.1",
		Interval: 5 * time.Millisecond,
		Checker: CheckerFunc(func(context.Context, string) error {
			checks.Add(1)
			return nil
		}),
		Logger: logging.Discard(),
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return checks.Load() >= 2 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("probe did not stop")
	}
}
