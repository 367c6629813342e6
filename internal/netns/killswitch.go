package netns

import (
	"fmt"
	"net/netip"

	"github.com/google/nftables"
	"github.com/google/nftables/binaryutil"
	"github.com/google/nftables/expr"
	"github.com/vishvananda/netns"
	"golang.org/x/sys/unix"
)

const (
	killSwitchTable = "vpnproxy"
	killSwitchChain = "killswitch-out"
)

// KillSwitch is the set of egress paths left open inside a secured namespace.
type KillSwitch struct {
	NsVeth string
	Tunnel string
	Server netip.AddrPort
}

// Firewall installs and inspects the in-namespace kill-switch.
type Firewall interface {
	ApplyKillSwitch(namespace string, ks KillSwitch) error
	KillSwitchActive(namespace string) (bool, error)
}

// NewNFTablesFirewall returns the nftables-backed Firewall.
func NewNFTablesFirewall() Firewall {
	return nftFirewall{}
}

type nftFirewall struct{}

func (nftFirewall) ApplyKillSwitch(namespace string, ks KillSwitch) error {
	conn, closeNS, err := connIn(namespace)
	if err != nil {
		return err
	}
	defer closeNS()

	table := conn.AddTable(&nftables.Table{Family: nftables.TableFamilyINet, Name: killSwitchTable})
	conn.FlushTable(table)
	policy := nftables.ChainPolicyDrop
	chain := conn.AddChain(&nftables.Chain{
		Name:     killSwitchChain,
		Table:    table,
		Type:     nftables.ChainTypeFilter,
		Hooknum:  nftables.ChainHookOutput,
		Priority: nftables.ChainPriorityFilter,
		Policy:   &policy,
	})
	for _, rule := range killSwitchRules(table, chain, ks) {
		conn.AddRule(rule)
	}
	if err := conn.Flush(); err != nil {
		return fmt.Errorf("apply kill-switch in %s: %w", namespace, err)
	}
	return nil
}

func (nftFirewall) KillSwitchActive(namespace string) (bool, error) {
	conn, closeNS, err := connIn(namespace)
	if err != nil {
		return false, err
	}
	defer closeNS()

	chains, err := conn.ListChainsOfTableFamily(nftables.TableFamilyINet)
	if err != nil {
		return false, fmt.Errorf("list chains in %s: %w", namespace, err)
	}
	for _, chain := range chains {
		if chain.Table.Name != killSwitchTable || chain.Name != killSwitchChain {
			continue
		}
		return chain.Policy != nil && *chain.Policy == nftables.ChainPolicyDrop, nil
	}
	return false, nil
}

func connIn(namespace string) (*nftables.Conn, func(), error) {
	handle, err := netns.GetFromName(namespace)
	if err != nil {
		return nil, nil, fmt.Errorf("open namespace %s: %w", namespace, err)
	}
	conn, err := nftables.New(nftables.WithNetNSFd(int(handle)))
	if err != nil {
		handle.Close()
		return nil, nil, fmt.Errorf("nftables in %s: %w", namespace, err)
	}
	return conn, func() { handle.Close() }, nil
}

// killSwitchRules builds the accept rules of the output chain. Everything else,
// IPv6 included, falls through to the drop policy.
func killSwitchRules(table *nftables.Table, chain *nftables.Chain, ks KillSwitch) []*nftables.Rule {
	rule := func(exprs ...expr.Any) *nftables.Rule {
		exprs = append(exprs, &expr.Verdict{Kind: expr.VerdictAccept})
		return &nftables.Rule{Table: table, Chain: chain, Exprs: exprs}
	}

	rules := []*nftables.Rule{
		rule(matchOIF("lo")...),
		rule(append(matchIPv4(), matchOIF(ks.Tunnel)...)...),
	}
	if ks.Server.IsValid() && ks.Server.Addr().Is4() {
		for _, proto := range []byte{unix.IPPROTO_UDP, unix.IPPROTO_TCP} {
			exprs := matchIPv4()
			exprs = append(exprs, matchDestination(ks.Server.Addr())...)
			exprs = append(exprs, matchL4(proto, ks.Server.Port())...)
			rules = append(rules, rule(exprs...))
		}
	}
	established := append(matchIPv4(), matchOIF(ks.NsVeth)...)
	established = append(established, matchEstablished()...)
	rules = append(rules, rule(established...))
	return rules
}

func matchOIF(name string) []expr.Any {
	return []expr.Any{
		&expr.Meta{Key: expr.MetaKeyOIFNAME, Register: 1},
		&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: ifname(name)},
	}
}

func matchIPv4() []expr.Any {
	return []expr.Any{
		&expr.Meta{Key: expr.MetaKeyNFPROTO, Register: 1},
		&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: []byte{unix.NFPROTO_IPV4}},
	}
}

func matchDestination(addr netip.Addr) []expr.Any {
	return []expr.Any{
		&expr.Payload{DestRegister: 1, Base: expr.PayloadBaseNetworkHeader, Offset: 16, Len: 4},
		&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: addr.AsSlice()},
	}
}

func matchL4(proto byte, port uint16) []expr.Any {
	return []expr.Any{
		&expr.Meta{Key: expr.MetaKeyL4PROTO, Register: 1},
		&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: []byte{proto}},
		&expr.Payload{DestRegister: 1, Base: expr.PayloadBaseTransportHeader, Offset: 2, Len: 2},
		&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: binaryutil.BigEndian.PutUint16(port)},
	}
}

func matchEstablished() []expr.Any {
	return []expr.Any{
		&expr.Ct{Register: 1, Key: expr.CtKeySTATE},
		&expr.Bitwise{
			SourceRegister: 1,
			DestRegister:   1,
			Len:            4,
			Mask:           binaryutil.NativeEndian.PutUint32(expr.CtStateBitESTABLISHED | expr.CtStateBitRELATED),
			Xor:            binaryutil.NativeEndian.PutUint32(0),
		},
		&expr.Cmp{Op: expr.CmpOpNeq, Register: 1, Data: []byte{0, 0, 0, 0}},
	}
}

func ifname(name string) []byte {
	return append([]byte(name), 0)
}
