// Package config handles HCL configuration parsing, defaults and validation.
//
// # Overview
//
// Hostguard reads a single HCL file (by default /etc/hostguard/hostguard.hcl).
// Expressions may reference the process environment through the env object,
// for example:
//
//	security {
//	  geoip {
//	    enabled  = true
//	    database = env.GEOIP_DB
//	  }
//	}
//
// # Configuration Blocks
//
//   - api: control API listener
//   - collector: poll interval, timeout and optional conntrack source
//   - alerts: alert log capacity
//   - security: allow list, rate_limit, geoip, reputation, port_knock, ids
//   - vpn: readiness, termination and health-check timing
//   - enforcer: firewall backend and commit timeout
//   - zone "<id>": zone membership and optional vpn { split_tunnel {} } block
//
// Durations are Go duration strings ("30s", "1h"). [Load] applies defaults
// and validates; every problem found is reported in one error.
package config
