package main

import (
	"bytes"
	"net/netip"
	"strings"
	"testing"

	"vpn-netns-proxy/internal/netns"
)

func TestParseCreateArgs(t *testing.T) {
	spec, err := parseCreateArgs([]string{"vpnns3", "3", "203.0.113.7", "443"})
	if err != nil {
		t.Fatalf("parseCreateArgs failed: %v", err)
	}
	if spec.Name != "vpnns3" || spec.Index != 3 || spec.Server != netip.MustParseAddrPort("203.0.113.7:443") {
		t.Fatalf("unexpected spec %+v", spec)
	}

	bad := [][]string{
		{"vpnns3", "-1", "203.0.113.7", "443"},
		{"vpnns3", "x", "203.0.113.7", "443"},
		{"vpnns3", "3", "example.com", "443"},
		{"vpnns3", "3", "2001:db8::1", "443"},
		{"vpnns3", "3", "203.0.113.7", "70000"},
		{"vpnns3", "3", "203.0.113.7", "0"},
	}
	for _, args := range bad {
		if _, err := parseCreateArgs(args); err == nil {
			t.Fatalf("expected %v rejected", args)
		}
	}
}

func TestPrintEntriesAndHealth(t *testing.T) {
	desc := netns.Namespace{
		Name: "vpnns0", HostVeth: "vh0", NsIP: netip.MustParseAddr("10.200.1.2"),
		VPNServerIP: netip.MustParseAddr("203.0.113.7"), VPNServerPort: 1194, SOCKSPort: 10800,
	}
	var buf bytes.Buffer
	printEntries(&buf, []netns.Entry{{Name: "vpnns0", Descriptor: &desc}, {Name: "vpnns9"}})
	out := buf.String()
	if !strings.Contains(out, "vpnns0\tvh0\t10.200.1.2\tvpn=203.0.113.7:1194\tsocks=10800") {
		t.Fatalf("unexpected entry line in %q", out)
	}
	if !strings.Contains(out, "vpnns9\t(no descriptor)") {
		t.Fatalf("expected orphan listed in %q", out)
	}

	buf.Reset()
	printHealth(&buf, netns.Health{Name: "vpnns0", Exists: true, KillSwitch: true, Descriptor: &desc})
	if !strings.Contains(buf.String(), "kill-switch: true") {
		t.Fatalf("unexpected health output %q", buf.String())
	}
}
