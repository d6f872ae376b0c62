//go:build !linux

package firewall

import "grimm.is/hostguard/internal/errors"

// NewHostBackend returns the backend for this platform.
func NewHostBackend() (Backend, error) {
	return nil, errors.New(errors.KindEnforcementFailure, "host firewall enforcement requires linux nftables")
}
