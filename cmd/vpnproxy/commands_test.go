package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"vpn-netns-proxy/internal/proxy"
	"vpn-netns-proxy/internal/stats"
)

func TestPrintProxies(t *testing.T) {
	var buf bytes.Buffer
	printProxies(&buf, nil)
	if buf.String() != "no active proxies\n" {
		t.Fatalf("unexpected empty output %q", buf.String())
	}

	buf.Reset()
	printProxies(&buf, []proxy.Proxy{{Slug: "gb-london", Port: 10800, Namespace: "vpnns0", IdleSeconds: 42}})
	if buf.String() != "10800\tgb-london\tvpnns0\tidle 42s\n" {
		t.Fatalf("unexpected list output %q", buf.String())
	}
}

func TestPrintStatus(t *testing.T) {
	now := time.Unix(1_000, 0)
	st := proxy.Status{
		Random: &proxy.RandomState{Slug: "us-east", ExpiresAt: 1_090},
		Proxies: []proxy.ProxyStatus{{
			Proxy:       proxy.Proxy{Slug: "us-east", Port: 10801, Namespace: "vpnns1"},
			NamespaceUp: true,
			TunnelUp:    true,
			KillSwitch:  true,
			Traffic:     &stats.Counters{Interface: "vh1", RxBytes: 5, TxBytes: 7},
		}},
	}
	var buf bytes.Buffer
	printStatus(&buf, st, now)
	out := buf.String()
	if !strings.Contains(out, "random: us-east (rotates in 1m30s)") {
		t.Fatalf("missing random line in %q", out)
	}
	if !strings.Contains(out, "tunnel=up killswitch=up socks=down rx=5 tx=7") {
		t.Fatalf("missing health line in %q", out)
	}
}

func TestCommandsRegistered(t *testing.T) {
	want := []string{"start", "stop", "stop-all", "get", "list", "cleanup", "rotate-random", "status", "vpns", "history"}
	for _, name := range want {
		cmd, _, err := rootCmd.Find([]string{name})
		if err != nil || cmd.Name() != name {
			t.Fatalf("expected command %s registered, got %v", name, err)
		}
	}
}
