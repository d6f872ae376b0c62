//go:build linux

package collector

import (
	"context"
	stderrors "errors"
	"io/fs"
	"net"
	"net/netip"
	"strconv"
	"strings"

	"github.com/prometheus/procfs"

	"grimm.is/hostguard/internal/errors"
)

// Socket states as printed in /proc/net/{tcp,udp}.
var socketStates = map[uint64]string{
	0x01: "established",
	0x02: "syn_sent",
	0x03: "syn_recv",
	0x04: "fin_wait1",
	0x05: "fin_wait2",
	0x06: "time_wait",
	0x07: "close",
	0x08: "close_wait",
	0x09: "last_ack",
	0x0A: "listen",
	0x0B: "closing",
}

const stateListen = 0x0A

// ProcNetSource reads the kernel socket tables and attributes each socket to
// its owning process by walking /proc/<pid>/fd.
type ProcNetSource struct {
	fs procfs.FS
}

// NewProcNetSource reads from the procfs mounted at root ("" for /proc).
func NewProcNetSource(root string) (*ProcNetSource, error) {
	if root == "" {
		root = procfs.DefaultMountPoint
	}
	pfs, err := procfs.NewFS(root)
	if err != nil {
		return nil, errors.Wrapf(err, errors.KindTransientIO, "open procfs %s", root)
	}
	return &ProcNetSource{fs: pfs}, nil
}

func (s *ProcNetSource) Name() string { return "procnet" }

type socketLine struct {
	proto string
	local netip.AddrPort
	rem   netip.AddrPort
	state uint64
	inode uint64
}

func (s *ProcNetSource) Collect(ctx context.Context) (Partial, error) {
	var lines []socketLine
	tables := []struct {
		proto string
		read  func() ([]socketLine, error)
	}{
		{"tcp", func() ([]socketLine, error) { t, err := s.fs.NetTCP(); return convertTCP("tcp", t, err) }},
		{"tcp", func() ([]socketLine, error) { t, err := s.fs.NetTCP6(); return convertTCP("tcp", t, err) }},
		{"udp", func() ([]socketLine, error) { t, err := s.fs.NetUDP(); return convertUDP("udp", t, err) }},
		{"udp", func() ([]socketLine, error) { t, err := s.fs.NetUDP6(); return convertUDP("udp", t, err) }},
	}
	for _, t := range tables {
		if err := ctx.Err(); err != nil {
			return Partial{}, err
		}
		got, err := t.read()
		if err != nil {
			return Partial{}, errors.Wrapf(err, errors.KindTransientIO, "read %s socket table", t.proto)
		}
		lines = append(lines, got...)
	}

	owners := s.socketOwners()
	return Partial{Connections: classify(lines, owners, s.Name())}, nil
}

type owner struct {
	pid  int
	name string
}

// socketOwners maps socket inodes to processes. Processes that vanish or
// cannot be read are skipped; attribution is best-effort.
func (s *ProcNetSource) socketOwners() map[uint64]owner {
	out := make(map[uint64]owner)
	procs, err := s.fs.AllProcs()
	if err != nil {
		return out
	}
	for _, p := range procs {
		targets, err := p.FileDescriptorTargets()
		if err != nil {
			continue
		}
		var name string
		for _, t := range targets {
			inode, ok := socketInode(t)
			if !ok {
				continue
			}
			if name == "" {
				name, _ = p.Comm()
			}
			out[inode] = owner{pid: p.PID, name: name}
		}
	}
	return out
}

func socketInode(target string) (uint64, bool) {
	rest, ok := strings.CutPrefix(target, "socket:[")
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseUint(strings.TrimSuffix(rest, "]"), 10, 64)
	return n, err == nil
}

func convertTCP(proto string, t procfs.NetTCP, err error) ([]socketLine, error) {
	if err != nil {
		if stderrors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	out := make([]socketLine, 0, len(t))
	for _, l := range t {
		out = append(out, socketLine{
			proto: proto,
			local: addrPort(l.LocalAddr, l.LocalPort),
			rem:   addrPort(l.RemAddr, l.RemPort),
			state: l.St,
			inode: l.Inode,
		})
	}
	return out, nil
}

func convertUDP(proto string, t procfs.NetUDP, err error) ([]socketLine, error) {
	if err != nil {
		if stderrors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	out := make([]socketLine, 0, len(t))
	for _, l := range t {
		out = append(out, socketLine{
			proto: proto,
			local: addrPort(l.LocalAddr, l.LocalPort),
			rem:   addrPort(l.RemAddr, l.RemPort),
			state: l.St,
			inode: l.Inode,
		})
	}
	return out, nil
}

func addrPort(ip net.IP, port uint64) netip.AddrPort {
	a, ok := netip.AddrFromSlice(ip)
	if !ok {
		return netip.AddrPort{}
	}
	return netip.AddrPortFrom(a.Unmap(), uint16(port))
}

// classify sets state and direction. A socket whose local port is also
// bound by a listener of the same protocol was accepted, so it is inbound.
func classify(lines []socketLine, owners map[uint64]owner, source string) []Connection {
	listening := make(map[string]bool)
	for _, l := range lines {
		if isListener(l) {
			listening[l.proto+"/"+strconv.Itoa(int(l.local.Port()))] = true
		}
	}

	out := make([]Connection, 0, len(lines))
	for _, l := range lines {
		c := Connection{
			Protocol: l.proto,
			Local:    l.local,
			Remote:   l.rem,
			State:    socketStates[l.state],
			Inode:    l.inode,
			Source:   source,
		}
		switch {
		case isListener(l):
			c.State = "listen"
			c.Direction = DirectionListen
			c.Remote = netip.AddrPort{}
		case listening[l.proto+"/"+strconv.Itoa(int(l.local.Port()))]:
			c.Direction = DirectionInbound
		default:
			c.Direction = DirectionOutbound
		}
		if o, ok := owners[l.inode]; ok && l.inode != 0 {
			c.PID = o.pid
			c.Process = o.name
		}
		out = append(out, c)
	}
	return out
}

// isListener reports TCP sockets in LISTEN and unconnected bound UDP sockets.
func isListener(l socketLine) bool {
	if l.proto == "tcp" {
		return l.state == stateListen
	}
	return l.rem.Port() == 0 && (!l.rem.Addr().IsValid() || l.rem.Addr().IsUnspecified())
}
