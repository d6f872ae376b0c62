//go:build linux

package collector

import (
	"context"
	"net/netip"
	"strconv"

	"github.com/ti-mo/conntrack"
	"github.com/vishvananda/netlink"

	"grimm.is/hostguard/internal/errors"
)

var conntrackStates = map[uint8]string{
	1: "syn_sent",
	2: "syn_recv",
	3: "established",
	4: "fin_wait",
	5: "close_wait",
	6: "last_ack",
	7: "time_wait",
	8: "close",
	9: "syn_sent2",
}

// ConntrackSource reports flows from the kernel connection tracking table.
// It sees forwarded and NATed traffic that never owns a local socket.
type ConntrackSource struct {
	dump  func() ([]conntrack.Flow, error)
	local func() (map[netip.Addr]bool, error)
}

// NewConntrackSource dials conntrack on every poll. nl resolves local
// addresses; nil uses the host.
func NewConntrackSource(nl Netlinker) *ConntrackSource {
	if nl == nil {
		nl = realNetlinker{}
	}
	return &ConntrackSource{
		dump: dumpConntrack,
		local: func() (map[netip.Addr]bool, error) {
			return localAddrs(nl)
		},
	}
}

func (s *ConntrackSource) Name() string { return "conntrack" }

func (s *ConntrackSource) Collect(ctx context.Context) (Partial, error) {
	local, err := s.local()
	if err != nil {
		return Partial{}, errors.Wrap(err, errors.KindTransientIO, "list local addresses")
	}
	flows, err := s.dump()
	if err != nil {
		return Partial{}, errors.Wrap(err, errors.KindTransientIO, "conntrack dump")
	}
	return Partial{Connections: flowsToConnections(flows, local, s.Name())}, nil
}

func dumpConntrack() ([]conntrack.Flow, error) {
	conn, err := conntrack.Dial(nil)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	return conn.Dump(nil)
}

func localAddrs(nl Netlinker) (map[netip.Addr]bool, error) {
	addrs, err := nl.AddrList(nil, netlink.FAMILY_ALL)
	if err != nil {
		return nil, err
	}
	out := make(map[netip.Addr]bool, len(addrs))
	for _, a := range addrs {
		if a.IPNet == nil {
			continue
		}
		if ip, ok := netip.AddrFromSlice(a.IP); ok {
			out[ip.Unmap()] = true
		}
	}
	return out, nil
}

// flowsToConnections orients each flow relative to this host: a flow whose
// original source is local is outbound, anything else is inbound.
func flowsToConnections(flows []conntrack.Flow, local map[netip.Addr]bool, source string) []Connection {
	out := make([]Connection, 0, len(flows))
	for _, f := range flows {
		t := f.TupleOrig
		var proto string
		switch t.Proto.Protocol {
		case 6:
			proto = "tcp"
		case 17:
			proto = "udp"
		default:
			continue
		}
		src := netip.AddrPortFrom(t.IP.SourceAddress.Unmap(), t.Proto.SourcePort)
		dst := netip.AddrPortFrom(t.IP.DestinationAddress.Unmap(), t.Proto.DestinationPort)

		c := Connection{Protocol: proto, Source: source}
		if local[src.Addr()] {
			c.Local, c.Remote, c.Direction = src, dst, DirectionOutbound
		} else {
			c.Local, c.Remote, c.Direction = dst, src, DirectionInbound
		}
		if proto == "tcp" && f.ProtoInfo.TCP != nil {
			if s, ok := conntrackStates[f.ProtoInfo.TCP.State]; ok {
				c.State = s
			} else {
				c.State = "state_" + strconv.Itoa(int(f.ProtoInfo.TCP.State))
			}
		}
		out = append(out, c)
	}
	return out
}
