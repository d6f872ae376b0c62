//go:build !linux

package collector

import "grimm.is/hostguard/internal/errors"

// HostSources is only implemented on Linux.
func HostSources(procRoot string, withConntrack bool) ([]Source, error) {
	return nil, errors.New(errors.KindInternal, "host collection requires linux")
}
