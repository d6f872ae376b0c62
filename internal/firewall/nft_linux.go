//go:build linux

package firewall

import (
	"context"
	"net/netip"
	"sync"

	"github.com/google/nftables"
	"github.com/google/nftables/binaryutil"
	"github.com/google/nftables/expr"
	"golang.org/x/sys/unix"

	"grimm.is/hostguard/internal/brand"
	"grimm.is/hostguard/internal/errors"
)

// NFTConn is the subset of *nftables.Conn the backend uses.
type NFTConn interface {
	AddTable(t *nftables.Table) *nftables.Table
	DelTable(t *nftables.Table)
	ListTables() ([]*nftables.Table, error)
	AddChain(c *nftables.Chain) *nftables.Chain
	AddRule(r *nftables.Rule) *nftables.Rule
	InsertRule(r *nftables.Rule) *nftables.Rule
	DelRule(r *nftables.Rule) error
	GetRules(t *nftables.Table, c *nftables.Chain) ([]*nftables.Rule, error)
	Flush() error
}

// NFTBackend installs rules in an inet table with its own output chain, so
// hostguard never touches rules it did not create.
type NFTBackend struct {
	mu    sync.Mutex
	conn  NFTConn
	table *nftables.Table
	chain *nftables.Chain
	ready bool
}

// NewNFTBackend opens a netlink connection to nftables.
func NewNFTBackend() (*NFTBackend, error) {
	conn, err := nftables.New()
	if err != nil {
		return nil, errors.Wrap(err, errors.KindEnforcementFailure, "failed to open nftables connection")
	}
	return NewNFTBackendWithConn(conn), nil
}

// NewNFTBackendWithConn wraps an existing connection.
func NewNFTBackendWithConn(conn NFTConn) *NFTBackend {
	table := &nftables.Table{Name: brand.LowerName, Family: nftables.TableFamilyINet}
	policy := nftables.ChainPolicyAccept
	return &NFTBackend{
		conn:  conn,
		table: table,
		chain: &nftables.Chain{
			Name:     "output",
			Table:    table,
			Type:     nftables.ChainTypeFilter,
			Hooknum:  nftables.ChainHookOutput,
			Priority: nftables.ChainPriorityFilter,
			Policy:   &policy,
		},
	}
}

// Name implements Backend.
func (b *NFTBackend) Name() string { return "nftables" }

func (b *NFTBackend) tableExists() (bool, error) {
	tables, err := b.conn.ListTables()
	if err != nil {
		return false, err
	}
	for _, t := range tables {
		if t.Name == b.table.Name && t.Family == b.table.Family {
			return true, nil
		}
	}
	return false, nil
}

func (b *NFTBackend) ensure() error {
	if b.ready {
		return nil
	}
	b.conn.AddTable(b.table)
	b.conn.AddChain(b.chain)
	if err := b.conn.Flush(); err != nil {
		return errors.Wrap(err, errors.KindEnforcementFailure, "failed to create enforcement chain")
	}
	b.ready = true
	return nil
}

type installedRule struct {
	rule   Rule
	handle uint64
}

func (b *NFTBackend) list() ([]installedRule, error) {
	ok, err := b.tableExists()
	if err != nil {
		return nil, errors.Wrap(err, errors.KindEnforcementFailure, "failed to list tables")
	}
	if !ok {
		b.ready = false
		return nil, nil
	}
	raw, err := b.conn.GetRules(b.table, b.chain)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindEnforcementFailure, "failed to list rules")
	}
	out := make([]installedRule, 0, len(raw))
	for _, r := range raw {
		if rule, ok := ParseTag(r.UserData); ok {
			out = append(out, installedRule{rule: rule, handle: r.Handle})
		}
	}
	return out, nil
}

// Installed implements Backend.
func (b *NFTBackend) Installed(context.Context) ([]Rule, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	have, err := b.list()
	if err != nil {
		return nil, err
	}
	out := make([]Rule, len(have))
	for i, h := range have {
		out[i] = h.rule
	}
	return out, nil
}

// Add implements Backend.
func (b *NFTBackend) Add(ctx context.Context, r Rule) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := b.ensure(); err != nil {
		return err
	}
	have, err := b.list()
	if err != nil {
		return err
	}

	key := r.Key()
	var before *installedRule
	for i := range have {
		h := &have[i]
		if h.rule.Key() == key {
			return nil
		}
		if before == nil && ruleLess(r, h.rule) {
			before = h
		}
	}

	nr := &nftables.Rule{
		Table:    b.table,
		Chain:    b.chain,
		Exprs:    ruleExprs(r),
		UserData: r.Tag(),
	}
	if before != nil {
		nr.Position = before.handle
		b.conn.InsertRule(nr)
	} else {
		b.conn.AddRule(nr)
	}
	if err := b.conn.Flush(); err != nil {
		return errors.Wrapf(err, errors.KindEnforcementFailure, "nft add %q", r.String())
	}
	return nil
}

// Remove implements Backend.
func (b *NFTBackend) Remove(ctx context.Context, r Rule) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	have, err := b.list()
	if err != nil {
		return err
	}
	key := r.Key()
	for _, h := range have {
		if h.rule.Key() != key {
			continue
		}
		if err := b.conn.DelRule(&nftables.Rule{Table: b.table, Chain: b.chain, Handle: h.handle}); err != nil {
			return errors.Wrapf(err, errors.KindEnforcementFailure, "nft delete %q", r.String())
		}
		if err := b.conn.Flush(); err != nil {
			return errors.Wrapf(err, errors.KindEnforcementFailure, "nft delete %q", r.String())
		}
		return nil
	}
	return errors.Errorf(errors.KindNotFound, "rule %q not installed", key)
}

// Clear implements Backend.
func (b *NFTBackend) Clear(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	ok, err := b.tableExists()
	if err != nil {
		return errors.Wrap(err, errors.KindEnforcementFailure, "failed to list tables")
	}
	b.ready = false
	if !ok {
		return nil
	}
	b.conn.DelTable(b.table)
	if err := b.conn.Flush(); err != nil {
		return errors.Wrap(err, errors.KindEnforcementFailure, "failed to delete enforcement table")
	}
	return nil
}

func ruleLess(a, b Rule) bool {
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	return a.Key() < b.Key()
}

// ruleExprs compiles r into nftables expressions.
func ruleExprs(r Rule) []expr.Any {
	var exprs []expr.Any

	if r.OIF != "" {
		op := expr.CmpOpEq
		if r.NotOIF {
			op = expr.CmpOpNeq
		}
		exprs = append(exprs,
			&expr.Meta{Key: expr.MetaKeyOIFNAME, Register: 1},
			&expr.Cmp{Op: op, Register: 1, Data: ifname(r.OIF)},
		)
	}

	if r.Dst.IsValid() {
		exprs = append(exprs, daddrExprs(r.Dst)...)
	}

	if r.Proto != "" {
		exprs = append(exprs,
			&expr.Meta{Key: expr.MetaKeyL4PROTO, Register: 1},
			&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: []byte{l4proto(r.Proto)}},
		)
		if r.DPort != 0 {
			exprs = append(exprs,
				&expr.Payload{
					DestRegister: 1,
					Base:         expr.PayloadBaseTransportHeader,
					Offset:       2,
					Len:          2,
				},
				&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: binaryutil.BigEndian.PutUint16(r.DPort)},
			)
		}
	}

	kind := expr.VerdictAccept
	if r.Verdict == Drop {
		kind = expr.VerdictDrop
	}
	return append(exprs, &expr.Counter{}, &expr.Verdict{Kind: kind})
}

func daddrExprs(p netip.Prefix) []expr.Any {
	addr := p.Addr()
	family, offset := byte(unix.NFPROTO_IPV4), uint32(16)
	if addr.Is6() {
		family, offset = byte(unix.NFPROTO_IPV6), 24
	}
	n := uint32(addr.BitLen() / 8)

	exprs := []expr.Any{
		&expr.Meta{Key: expr.MetaKeyNFPROTO, Register: 1},
		&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: []byte{family}},
		&expr.Payload{
			DestRegister: 1,
			Base:         expr.PayloadBaseNetworkHeader,
			Offset:       offset,
			Len:          n,
		},
	}
	if p.Bits() < addr.BitLen() {
		exprs = append(exprs, &expr.Bitwise{
			SourceRegister: 1,
			DestRegister:   1,
			Len:            n,
			Mask:           prefixMask(p.Bits(), int(n)),
			Xor:            make([]byte, n),
		})
	}
	return append(exprs, &expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: p.Masked().Addr().AsSlice()})
}

func prefixMask(bits, size int) []byte {
	m := make([]byte, size)
	for i := 0; i < bits; i++ {
		m[i/8] |= 0x80 >> (i % 8)
	}
	return m
}

func ifname(s string) []byte {
	b := make([]byte, 16)
	copy(b, s)
	return b
}

func l4proto(p string) byte {
	if p == "tcp" {
		return unix.IPPROTO_TCP
	}
	return unix.IPPROTO_UDP
}

// NewHostBackend returns the backend for this platform.
func NewHostBackend() (Backend, error) {
	return NewNFTBackend()
}
