package netns

import (
	"bytes"
	"net/netip"
	"testing"

	"github.com/google/nftables"
	"github.com/google/nftables/expr"
)

func ruleMatches(rule *nftables.Rule, data []byte) bool {
	for _, e := range rule.Exprs {
		if cmp, ok := e.(*expr.Cmp); ok && bytes.Equal(cmp.Data, data) {
			return true
		}
	}
	return false
}

func TestKillSwitchRulesAcceptPaths(t *testing.T) {
	table := &nftables.Table{Family: nftables.TableFamilyINet, Name: killSwitchTable}
	chain := &nftables.Chain{Name: killSwitchChain, Table: table}
	ks := KillSwitch{NsVeth: "vn3", Tunnel: "tun0", Server: netip.MustParseAddrPort("203.0.113.10:1194")}

	rules := killSwitchRules(table, chain, ks)
	if len(rules) != 5 {
		t.Fatalf("expected 5 accept rules, got %d", len(rules))
	}
	for i, rule := range rules {
		last, ok := rule.Exprs[len(rule.Exprs)-1].(*expr.Verdict)
		if !ok || last.Kind != expr.VerdictAccept {
			t.Fatalf("rule %d does not end in accept", i)
		}
	}
	if !ruleMatches(rules[0], []byte("lo\x00")) {
		t.Fatalf("first rule must accept loopback")
	}
	if !ruleMatches(rules[1], []byte("tun0\x00")) {
		t.Fatalf("second rule must accept the tunnel")
	}
	for _, rule := range rules[2:4] {
		if !ruleMatches(rule, []byte{203, 0, 113, 10}) || !ruleMatches(rule, []byte{0x04, 0xaa}) {
			t.Fatalf("handshake rules must match server address and port")
		}
	}
	if !ruleMatches(rules[2], []byte{17}) || !ruleMatches(rules[3], []byte{6}) {
		t.Fatalf("expected udp then tcp handshake rules")
	}
	if !ruleMatches(rules[4], []byte("vn3\x00")) {
		t.Fatalf("last rule must limit return traffic to the namespace veth")
	}
}

func TestKillSwitchRulesWithoutServer(t *testing.T) {
	rules := killSwitchRules(&nftables.Table{}, &nftables.Chain{}, KillSwitch{NsVeth: "vn0", Tunnel: "tun0"})
	if len(rules) != 3 {
		t.Fatalf("expected lo, tunnel and return rules only, got %d", len(rules))
	}
}
