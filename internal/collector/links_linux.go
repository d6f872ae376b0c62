//go:build linux

package collector

import (
	"context"
	"net"

	"github.com/vishvananda/netlink"

	"grimm.is/hostguard/internal/errors"
)

// Netlinker is the subset of netlink the collector needs.
type Netlinker interface {
	LinkList() ([]netlink.Link, error)
	AddrList(link netlink.Link, family int) ([]netlink.Addr, error)
}

type realNetlinker struct{}

func (realNetlinker) LinkList() ([]netlink.Link, error) { return netlink.LinkList() }

func (realNetlinker) AddrList(link netlink.Link, family int) ([]netlink.Addr, error) {
	return netlink.AddrList(link, family)
}

// LinkSource reports per-interface counters.
type LinkSource struct {
	nl Netlinker
}

// NewLinkSource uses nl, or the host netlink socket when nl is nil.
func NewLinkSource(nl Netlinker) *LinkSource {
	if nl == nil {
		nl = realNetlinker{}
	}
	return &LinkSource{nl: nl}
}

func (s *LinkSource) Name() string { return "links" }

func (s *LinkSource) Collect(ctx context.Context) (Partial, error) {
	links, err := s.nl.LinkList()
	if err != nil {
		return Partial{}, errors.Wrap(err, errors.KindTransientIO, "list links")
	}
	out := make([]InterfaceStats, 0, len(links))
	for _, l := range links {
		a := l.Attrs()
		if a == nil {
			continue
		}
		st := InterfaceStats{
			Name: a.Name,
			Up:   a.Flags&net.FlagUp != 0 && a.OperState != netlink.OperDown,
		}
		if s := a.Statistics; s != nil {
			st.RxBytes, st.TxBytes = s.RxBytes, s.TxBytes
			st.RxPackets, st.TxPackets = s.RxPackets, s.TxPackets
			st.RxErrors, st.TxErrors = s.RxErrors, s.TxErrors
			st.RxDropped, st.TxDropped = s.RxDropped, s.TxDropped
		}
		out = append(out, st)
	}
	return Partial{Interfaces: out}, nil
}
