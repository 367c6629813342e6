//go:build integration

package integration

import (
	"net/netip"
	"os"
	"os/exec"
	"strings"
	"testing"

	"vpn-netns-proxy/internal/netns"
)

const (
	securedIndex = 250
	directIndex  = 251
)

func requireRoot(t *testing.T) {
	t.Helper()
	if os.Getenv("VPNPROXY_RUN_INTEGRATION") != "1" {
		t.Skip("set VPNPROXY_RUN_INTEGRATION=1 to run integration tests")
	}
	if os.Geteuid() != 0 {
		t.Skip("integration test requires root privileges")
	}
	for _, bin := range []string{"ip", "iptables", "ping"} {
		if _, err := exec.LookPath(bin); err != nil {
			t.Skipf("%s not available: %v", bin, err)
		}
	}
}

func inNamespace(t *testing.T, name string, args ...string) (string, error) {
	t.Helper()
	cmd := exec.Command("ip", append([]string{"netns", "exec", name}, args...)...)
	out, err := cmd.CombinedOutput()
	return string(out), err
}

func mustIn(t *testing.T, name string, args ...string) {
	t.Helper()
	if out, err := inNamespace(t, name, args...); err != nil {
		t.Fatalf("%v in %s failed: %v\n%s", args, name, err, out)
	}
}

func TestNamespaceLifecycleAndKillSwitch(t *testing.T) {
	requireRoot(t)
	prov := netns.New(netns.Config{StateDir: t.TempDir(), Nameservers: []string{"1.1.1.1"}})
	name := netns.NameFor(securedIndex)
	t.Cleanup(func() { _ = prov.Destroy(name) })

	ns, err := prov.Create(netns.Spec{
		Name:      name,
		Index:     securedIndex,
		SOCKSPort: 10800,
		Server:    netip.MustParseAddrPort("203.0.113.1:1194"),
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	h, err := prov.Check(name)
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if h.Phase() != netns.PhaseSecured || !h.HostVethUp {
		t.Fatalf("expected secured namespace with host veth up, got %+v", h)
	}

	// New traffic to the host end of the veth is not on an allowed path.
	out, err := inNamespace(t, name, "ping", "-c", "1", "-W", "1", ns.HostIP.String())
	if err == nil {
		t.Fatalf("expected kill-switch to block ping to %s", ns.HostIP)
	}
	if !strings.Contains(out, "not permitted") {
		t.Fatalf("expected local drop by the kill-switch, got %q", out)
	}

	// Once a tunnel device exists, traffic routed through it leaves the namespace.
	mustIn(t, name, "ip", "link", "add", netns.TunnelInterface, "type", "dummy")
	mustIn(t, name, "ip", "addr", "add", "10.99.0.1/24", "dev", netns.TunnelInterface)
	mustIn(t, name, "ip", "link", "set", netns.TunnelInterface, "up")
	up, err := prov.TunnelUp(name)
	if err != nil || !up {
		t.Fatalf("expected tunnel reported up, got %v (%v)", up, err)
	}
	out, _ = inNamespace(t, name, "ping", "-c", "1", "-W", "1", "10.99.0.2")
	if strings.Contains(out, "not permitted") {
		t.Fatalf("expected tunnel traffic allowed, got %q", out)
	}

	if err := prov.Destroy(name); err != nil {
		t.Fatalf("Destroy failed: %v", err)
	}
	if _, ok, _ := prov.Descriptor(name); ok {
		t.Fatalf("expected descriptor removed")
	}
	h, err = prov.Check(name)
	if err != nil || h.Exists {
		t.Fatalf("expected namespace gone, got %+v (%v)", h, err)
	}
}

func TestDirectNamespaceReachesHost(t *testing.T) {
	requireRoot(t)
	prov := netns.New(netns.Config{StateDir: t.TempDir(), Nameservers: []string{"1.1.1.1"}})
	name := netns.NameFor(directIndex)
	t.Cleanup(func() { _ = prov.Destroy(name) })

	ns, err := prov.CreateDirect(name, directIndex)
	if err != nil {
		t.Fatalf("CreateDirect failed: %v", err)
	}
	if out, err := inNamespace(t, name, "ping", "-c", "1", "-W", "2", ns.HostIP.String()); err != nil {
		t.Fatalf("expected host reachable from a direct namespace: %v\n%s", err, out)
	}
	h, err := prov.Check(name)
	if err != nil || h.KillSwitch {
		t.Fatalf("expected no kill-switch on a direct namespace, got %+v (%v)", h, err)
	}
}
