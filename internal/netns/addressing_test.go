package netns

import (
	"net/netip"
	"testing"
)

func TestAddressingFor(t *testing.T) {
	a := AddressingFor(0)
	if a.Block != netip.MustParsePrefix("10.200.1.0/24") {
		t.Fatalf("expected 10.200.1.0/24, got %s", a.Block)
	}
	if a.HostIP != netip.MustParseAddr("10.200.1.1") || a.NsIP != netip.MustParseAddr("10.200.1.2") {
		t.Fatalf("unexpected addresses host=%s ns=%s", a.HostIP, a.NsIP)
	}
	if a.HostVeth != "vh0" || a.NsVeth != "vn0" {
		t.Fatalf("unexpected veth names %s/%s", a.HostVeth, a.NsVeth)
	}
	r := a.Range()
	if r.From() != netip.MustParseAddr("10.200.1.1") || r.To() != netip.MustParseAddr("10.200.1.254") {
		t.Fatalf("unexpected usable range %s", r)
	}

	if got := AddressingFor(253).Block; got != netip.MustParsePrefix("10.200.254.0/24") {
		t.Fatalf("expected last block for index 253, got %s", got)
	}
	if got := AddressingFor(254).Block; got != netip.MustParsePrefix("10.200.1.0/24") {
		t.Fatalf("expected index 254 to wrap, got %s", got)
	}
}

func TestNames(t *testing.T) {
	if NameFor(7) != "vpnns7" {
		t.Fatalf("unexpected name %s", NameFor(7))
	}
	if idx, ok := IndexFromName("vpnns42"); !ok || idx != 42 {
		t.Fatalf("expected 42, got %d %v", idx, ok)
	}
	for _, name := range []string{"vpnns", "vpnnsx", "myvpnns1", "vpnns1a"} {
		if IsManagedName(name) {
			t.Fatalf("%q must not be treated as managed", name)
		}
	}
}

func TestInPool(t *testing.T) {
	cases := map[string]bool{
		"10.200.3.0/24":  true,
		"10.200.9.2":     true,
		"10.201.0.0/24":  false,
		"10.0.0.0/8":     false,
		"192.168.1.0/24": false,
		"":               false,
	}
	for source, want := range cases {
		if got := InPool(source); got != want {
			t.Fatalf("InPool(%q): expected %v, got %v", source, want, got)
		}
	}
}
