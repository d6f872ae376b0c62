// Package metrics exposes hostguard's Prometheus instruments.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once     sync.Once
	registry *Registry
)

// Registry holds all hostguard metrics.
type Registry struct {
	// Security engine
	Verdicts          *prometheus.CounterVec
	KnockTransitions  *prometheus.CounterVec
	ReputationEntries *prometheus.GaugeVec
	ReputationErrors  *prometheus.CounterVec
	GeoLookups        *prometheus.CounterVec
	IDSAlerts         *prometheus.CounterVec

	// Collector
	Polls             *prometheus.CounterVec
	PollDuration      prometheus.Histogram
	Connections       prometheus.Gauge
	InterfaceRxBytes  *prometheus.GaugeVec
	InterfaceTxBytes  *prometheus.GaugeVec
	InterfaceErrors   *prometheus.GaugeVec
	InterfaceDropped  *prometheus.GaugeVec

	// Enforcement
	Commits          *prometheus.CounterVec
	CommitDuration   prometheus.Histogram
	EnforcedRules    prometheus.Gauge
	KillSwitchActive prometheus.Gauge

	// VPN
	VPNState       *prometheus.GaugeVec
	VPNTransitions *prometheus.CounterVec

	// Alert sink
	AlertsPublished *prometheus.CounterVec
	AlertsDropped   prometheus.Counter

	// API
	APIRequests *prometheus.CounterVec
}

// Get returns the global metrics registry, creating it if necessary.
func Get() *Registry {
	once.Do(func() {
		registry = newRegistry()
	})
	return registry
}

// Handler serves the default Prometheus gatherer.
func Handler() http.Handler {
	Get()
	return promhttp.Handler()
}

func newRegistry() *Registry {
	r := &Registry{}

	r.Verdicts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hostguard_verdicts_total",
		Help: "Security verdicts by action and reason",
	}, []string{"action", "reason"})

	r.KnockTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hostguard_knock_transitions_total",
		Help: "Port knock automaton transitions by resulting state",
	}, []string{"state"})

	r.ReputationEntries = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "hostguard_reputation_entries",
		Help: "Reputation entries held per feed",
	}, []string{"feed"})

	r.ReputationErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hostguard_reputation_refresh_errors_total",
		Help: "Failed reputation feed fetches",
	}, []string{"feed"})

	r.GeoLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hostguard_geo_lookups_total",
		Help: "Geo lookups by result (hit, miss, pending, unavailable, error)",
	}, []string{"result"})

	r.IDSAlerts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hostguard_ids_alerts_total",
		Help: "Intrusion detection findings by rule",
	}, []string{"rule"})

	r.Polls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hostguard_collector_polls_total",
		Help: "Collector polls by result (ok, degraded)",
	}, []string{"result"})

	r.PollDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "hostguard_collector_poll_seconds",
		Help:    "Collector poll latency",
		Buckets: prometheus.DefBuckets,
	})

	r.Connections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hostguard_connections",
		Help: "Connections in the latest snapshot",
	})

	r.InterfaceRxBytes = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "hostguard_interface_rx_bytes",
		Help: "Received bytes per interface",
	}, []string{"interface"})

	r.InterfaceTxBytes = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "hostguard_interface_tx_bytes",
		Help: "Transmitted bytes per interface",
	}, []string{"interface"})

	r.InterfaceErrors = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "hostguard_interface_errors",
		Help: "Receive plus transmit errors per interface",
	}, []string{"interface"})

	r.InterfaceDropped = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "hostguard_interface_dropped",
		Help: "Receive plus transmit drops per interface",
	}, []string{"interface"})

	r.Commits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hostguard_enforcement_commits_total",
		Help: "Enforcement commits by result (applied, noop, rolled_back)",
	}, []string{"result"})

	r.CommitDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "hostguard_enforcement_commit_seconds",
		Help:    "Enforcement commit latency",
		Buckets: prometheus.DefBuckets,
	})

	r.EnforcedRules = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hostguard_enforced_rules",
		Help: "Rules currently installed by the enforcer",
	})

	r.KillSwitchActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hostguard_kill_switch_active",
		Help: "1 when the kill switch is enforced",
	})

	r.VPNState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "hostguard_vpn_state",
		Help: "1 for the current state of each VPN zone",
	}, []string{"zone", "state"})

	r.VPNTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hostguard_vpn_transitions_total",
		Help: "VPN state transitions by zone and target state",
	}, []string{"zone", "state"})

	r.AlertsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hostguard_alerts_published_total",
		Help: "Events appended to the alert log by kind",
	}, []string{"kind"})

	r.AlertsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hostguard_alerts_dropped_total",
		Help: "Live deliveries dropped because a subscriber was slow",
	})

	r.APIRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hostguard_api_requests_total",
		Help: "Control API requests",
	}, []string{"method", "route", "status"})

	return r
}

// SetVPNState marks state as the only active state gauge for zone.
func (r *Registry) SetVPNState(zone, state string, all []string) {
	for _, s := range all {
		v := 0.0
		if s == state {
			v = 1
		}
		r.VPNState.WithLabelValues(zone, s).Set(v)
	}
	r.VPNTransitions.WithLabelValues(zone, state).Inc()
}
