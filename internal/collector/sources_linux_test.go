//go:build linux

package collector

import (
	"context"
	"net"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ti-mo/conntrack"
	"github.com/vishvananda/netlink"

	"grimm.is/hostguard/internal/errors"
)

type fakeNetlinker struct {
	links []netlink.Link
	addrs []netlink.Addr
	err   error
}

func (f *fakeNetlinker) LinkList() ([]netlink.Link, error) { return f.links, f.err }

func (f *fakeNetlinker) AddrList(netlink.Link, int) ([]netlink.Addr, error) { return f.addrs, f.err }

func device(name string, up bool, stats *netlink.LinkStatistics) netlink.Link {
	attrs := netlink.LinkAttrs{Name: name, Statistics: stats, OperState: netlink.OperDown}
	if up {
		attrs.Flags = net.FlagUp
		attrs.OperState = netlink.OperUp
	}
	return &netlink.Device{LinkAttrs: attrs}
}

func TestLinkSource_Collect(t *testing.T) {
	nl := &fakeNetlinker{links: []netlink.Link{
		device("eth0", true, &netlink.LinkStatistics{RxBytes: 1000, TxBytes: 500, RxPackets: 10, TxPackets: 5, RxErrors: 1, TxDropped: 2}),
		device("tun0", false, nil),
	}}
	p, err := NewLinkSource(nl).Collect(context.Background())
	require.NoError(t, err)
	require.Len(t, p.Interfaces, 2)

	eth := p.Interfaces[0]
	assert.Equal(t, "eth0", eth.Name)
	assert.True(t, eth.Up)
	assert.Equal(t, uint64(1000), eth.RxBytes)
	assert.Equal(t, uint64(500), eth.TxBytes)
	assert.Equal(t, uint64(1), eth.RxErrors)
	assert.Equal(t, uint64(2), eth.TxDropped)

	assert.Equal(t, InterfaceStats{Name: "tun0"}, p.Interfaces[1])
}

func TestLinkSource_Error(t *testing.T) {
	_, err := NewLinkSource(&fakeNetlinker{err: errors.New(errors.KindTransientIO, "netlink busy")}).Collect(context.Background())
	assert.True(t, errors.IsKind(err, errors.KindTransientIO))
}

func flow(proto uint8, src, dst string, state uint8) conntrack.Flow {
	s, d := netip.MustParseAddrPort(src), netip.MustParseAddrPort(dst)
	f := conntrack.Flow{}
	f.TupleOrig.IP.SourceAddress = s.Addr()
	f.TupleOrig.IP.DestinationAddress = d.Addr()
	f.TupleOrig.Proto.Protocol = proto
	f.TupleOrig.Proto.SourcePort = s.Port()
	f.TupleOrig.Proto.DestinationPort = d.Port()
	if proto == 6 {
		f.ProtoInfo.TCP = &conntrack.ProtoInfoTCP{State: state}
	}
	return f
}

func TestConntrackSource_Orientation(t *testing.T) {
	local := netip.MustParseAddr("192.168.1.10")
	src := &ConntrackSource{
		dump: func() ([]conntrack.Flow, error) {
			return []conntrack.Flow{
				flow(6, "192.168.1.10:40000", "93.184.216.34:443", 3),
				flow(6, "203.0.113.9:51000", "192.168.1.10:22", 1),
				flow(17, "10.0.0.7:5353", "224.0.0.251:5353", 0),
				flow(1, "192.168.1.10:0", "1.1.1.1:0", 0),
			}, nil
		},
		local: func() (map[netip.Addr]bool, error) { return map[netip.Addr]bool{local: true}, nil },
	}

	p, err := src.Collect(context.Background())
	require.NoError(t, err)
	require.Len(t, p.Connections, 3, "icmp is skipped")

	out := p.Connections[0]
	assert.Equal(t, DirectionOutbound, out.Direction)
	assert.Equal(t, netip.MustParseAddrPort("93.184.216.34:443"), out.Remote)
	assert.Equal(t, "established", out.State)

	in := p.Connections[1]
	assert.Equal(t, DirectionInbound, in.Direction)
	assert.Equal(t, netip.MustParseAddrPort("192.168.1.10:22"), in.Local)
	assert.Equal(t, netip.MustParseAddrPort("203.0.113.9:51000"), in.Remote)
	assert.Equal(t, "syn_sent", in.State)

	fwd := p.Connections[2]
	assert.Equal(t, "udp", fwd.Protocol)
	assert.Equal(t, DirectionInbound, fwd.Direction, "flows not originating here are inbound")
	assert.Empty(t, fwd.State)
	assert.Equal(t, "conntrack", fwd.Source)
}

func TestConntrackSource_DumpError(t *testing.T) {
	src := &ConntrackSource{
		dump:  func() ([]conntrack.Flow, error) { return nil, errors.New(errors.KindInternal, "operation not permitted") },
		local: func() (map[netip.Addr]bool, error) { return nil, nil },
	}
	_, err := src.Collect(context.Background())
	assert.True(t, errors.IsKind(err, errors.KindTransientIO))
}

func TestLocalAddrs(t *testing.T) {
	_, n4, _ := net.ParseCIDR("192.168.1.10/24")
	n4.IP = net.ParseIP("192.168.1.10")
	_, n6, _ := net.ParseCIDR("fe80::1/64")
	n6.IP = net.ParseIP("fe80::1")
	got, err := localAddrs(&fakeNetlinker{addrs: []netlink.Addr{{IPNet: n4}, {IPNet: n6}, {}}})
	require.NoError(t, err)
	assert.True(t, got[netip.MustParseAddr("192.168.1.10")])
	assert.True(t, got[netip.MustParseAddr("fe80::1")])
	assert.Len(t, got, 2)
}
