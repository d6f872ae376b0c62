//go:build linux

package collector

// HostSources returns the sources available on this host. Conntrack is
// optional because it needs CAP_NET_ADMIN.
func HostSources(procRoot string, withConntrack bool) ([]Source, error) {
	pn, err := NewProcNetSource(procRoot)
	if err != nil {
		return nil, err
	}
	sources := []Source{pn, NewLinkSource(nil)}
	if withConntrack {
		sources = append(sources, NewConntrackSource(nil))
	}
	return sources, nil
}
