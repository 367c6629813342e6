package settings

import (
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func newTestViper(t *testing.T) {
	t.Helper()
	t.Setenv("VPNPROXY_STATE_DIR", t.TempDir())
}

func TestLoadDefaults(t *testing.T) {
	newTestViper(t)
	v := New()
	v.AddConfigPath(t.TempDir())

	s, err := Load(v)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if s.PortStart != 10800 || s.PortEnd != 10899 {
		t.Fatalf("unexpected default port range %d-%d", s.PortStart, s.PortEnd)
	}
	if s.IdleTimeout != 300*time.Second {
		t.Fatalf("expected 300s idle timeout, got %s", s.IdleTimeout)
	}
	if s.TunnelPoll != 500*time.Millisecond {
		t.Fatalf("expected 500ms tunnel poll, got %s", s.TunnelPoll)
	}
	if len(s.Nameservers) != 2 || s.Nameservers[0] != "1.1.1.1" {
		t.Fatalf("unexpected nameservers %#v", s.Nameservers)
	}
	if s.DiagLogPath != filepath.Join(s.StateDir, "diagnostics.log") {
		t.Fatalf("expected diag log under state dir, got %q", s.DiagLogPath)
	}
	if s.PortCount() != 100 {
		t.Fatalf("expected 100 ports, got %d", s.PortCount())
	}
}

func TestLoadReadsEnvironment(t *testing.T) {
	newTestViper(t)
	t.Setenv("VPNPROXY_VPN_DIR", "/srv/vpns")
	t.Setenv("VPNPROXY_PORT_START", "20000")
	t.Setenv("VPNPROXY_PORT_END", "20004")
	t.Setenv("VPNPROXY_IDLE_TIMEOUT", "42")
	t.Setenv("VPNPROXY_RANDOM_ROTATION", "90")
	t.Setenv("VPNPROXY_NAMESERVERS", "8.8.8.8, 8.8.4.4")
	t.Setenv("VPNPROXY_NOTIFY", "false")

	v := New()
	v.AddConfigPath(t.TempDir())
	s, err := Load(v)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if s.VPNDir != "/srv/vpns" {
		t.Fatalf("expected vpn dir from env, got %q", s.VPNDir)
	}
	if s.PortStart != 20000 || s.PortEnd != 20004 {
		t.Fatalf("unexpected port range %d-%d", s.PortStart, s.PortEnd)
	}
	if s.IdleTimeout != 42*time.Second || s.RandomRotation != 90*time.Second {
		t.Fatalf("unexpected durations idle=%s rotation=%s", s.IdleTimeout, s.RandomRotation)
	}
	if strings.Join(s.Nameservers, " ") != "8.8.8.8 8.8.4.4" {
		t.Fatalf("unexpected nameservers %#v", s.Nameservers)
	}
	if s.Notify {
		t.Fatalf("expected notifications disabled")
	}
}

func TestValidateRejectsBadRanges(t *testing.T) {
	base := Settings{
		VPNDir:          "/vpns",
		StateDir:        "/state",
		PortStart:       10800,
		PortEnd:         10810,
		IdleTimeout:     time.Minute,
		RandomRotation:  time.Minute,
		CleanupInterval: time.Minute,
		TunnelTimeout:   time.Second,
		TunnelPoll:      time.Millisecond,
		VPNClient:       "openvpn",
		SOCKSServer:     "microsocks",
	}
	if err := base.Validate(); err != nil {
		t.Fatalf("expected base settings to validate, got %v", err)
	}

	cases := map[string]func(s *Settings){
		"inverted range": func(s *Settings) { s.PortStart, s.PortEnd = 10900, 10800 },
		"too wide":       func(s *Settings) { s.PortEnd = s.PortStart + 300 },
		"port overflow":  func(s *Settings) { s.PortEnd = 70000 },
		"zero idle":      func(s *Settings) { s.IdleTimeout = 0 },
		"bad dns":        func(s *Settings) { s.Nameservers = []string{"not-an-ip"} },
		"no client":      func(s *Settings) { s.VPNClient = "" },
		"api wildcard":   func(s *Settings) { s.APIAddr = ":8080" },
		"api public":     func(s *Settings) { s.APIAddr = "0.0.0.0:8080" },
		"api lan":        func(s *Settings) { s.APIAddr = "192.168.1.5:8080" },
		"api no port":    func(s *Settings) { s.APIAddr = "127.0.0.1" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			s := base
			mutate(&s)
			if err := s.Validate(); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestValidateAcceptsLoopbackAPI(t *testing.T) {
	for _, addr := range []string{"127.0.0.1:7080", "[::1]:7080", "localhost:7080", "127.0.0.2:0"} {
		s := Settings{
			VPNDir:          "/vpns",
			StateDir:        "/state",
			PortStart:       10800,
			PortEnd:         10810,
			IdleTimeout:     time.Minute,
			RandomRotation:  time.Minute,
			CleanupInterval: time.Minute,
			TunnelTimeout:   time.Second,
			TunnelPoll:      time.Millisecond,
			VPNClient:       "openvpn",
			SOCKSServer:     "microsocks",
			APIAddr:         addr,
		}
		if err := s.Validate(); err != nil {
			t.Fatalf("expected %s accepted, got %v", addr, err)
		}
	}
}
