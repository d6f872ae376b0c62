package scheduler

import (
	"context"
	"time"
)

// Task IDs registered by hostguard.
const (
	TaskReputationRefresh = "reputation-refresh"
	TaskSecuritySweep     = "security-sweep"
	TaskGeoReload         = "geoip-reload"
)

// NewReputationRefreshTask fetches reputation feeds at interval, starting
// immediately. A failed fetch keeps the previous entries, so the task
// error is only recorded in its status.
func NewReputationRefreshTask(refresh func(context.Context) error, interval, timeout time.Duration) *Task {
	return &Task{
		ID:          TaskReputationRefresh,
		Name:        "Reputation Refresh",
		Description: "Fetch reputation feeds and merge them into the block table",
		Schedule:    Every(interval),
		Enabled:     true,
		RunOnStart:  true,
		Timeout:     timeout,
		Func:        refresh,
	}
}

// NewSecuritySweepTask drops expired deny-list entries, stale geo
// decisions and idle rate and knock state.
func NewSecuritySweepTask(sweep func(), interval time.Duration) *Task {
	return &Task{
		ID:          TaskSecuritySweep,
		Name:        "Security State Sweep",
		Description: "Expire blocks, geo cache entries, rate windows and knock automata",
		Schedule:    Every(interval),
		Enabled:     true,
		Func: func(ctx context.Context) error {
			sweep()
			return nil
		},
	}
}

// NewGeoReloadTask reopens the geo database so updates written by an
// external downloader are picked up.
func NewGeoReloadTask(reload func() error, interval time.Duration) *Task {
	return &Task{
		ID:          TaskGeoReload,
		Name:        "GeoIP Database Reload",
		Description: "Reopen the GeoIP database file",
		Schedule:    Every(interval),
		Enabled:     true,
		Timeout:     time.Minute,
		Func: func(ctx context.Context) error {
			return reload()
		},
	}
}
