package proxy

import (
	"errors"
	"fmt"
	"net/netip"
	"strconv"
	"strings"

	"vpn-netns-proxy/internal/netns"
)

const forwardCommentPrefix = "vpnproxy:"

// Forwarder exposes a namespace listener on a host port.
type Forwarder interface {
	Install(port int, target netip.AddrPort) error
	Remove(port int) error
	RemoveAll() (int, error)
}

// IPTablesForwarder installs DNAT rules tagged with the host port.
type IPTablesForwarder struct {
	exec netns.Executor
}

// NewIPTablesForwarder returns a forwarder running iptables through exec.
func NewIPTablesForwarder(exec netns.Executor) *IPTablesForwarder {
	if exec == nil {
		exec = netns.NewOSExecutor()
	}
	return &IPTablesForwarder{exec: exec}
}

func forwardComment(port int) string {
	return forwardCommentPrefix + strconv.Itoa(port)
}

// forwardChains are the nat chains swept for forward rules. PREROUTING is only
// swept, since nothing installs there any more.
var forwardChains = []string{"PREROUTING", "OUTPUT", "POSTROUTING"}

// Install maps 127.0.0.1:port to target. Only locally generated traffic is
// redirected.
func (f *IPTablesForwarder) Install(port int, target netip.AddrPort) error {
	comment := forwardComment(port)
	dport := strconv.Itoa(port)
	dest := target.String()
	commands := [][]string{
		{"sysctl", "-w", "net.ipv4.conf.all.route_localnet=1"},
		{"iptables", "-t", "nat", "-A", "OUTPUT", "-p", "tcp", "-d", "127.0.0.1", "--dport", dport,
			"-m", "comment", "--comment", comment, "-j", "DNAT", "--to-destination", dest},
		{"iptables", "-t", "nat", "-A", "POSTROUTING", "-p", "tcp", "-d", target.Addr().String(),
			"--dport", strconv.Itoa(int(target.Port())),
			"-m", "comment", "--comment", comment, "-j", "MASQUERADE"},
	}
	for _, cmd := range commands {
		if err := f.exec.Run(cmd[0], cmd[1:]...); err != nil {
			return fmt.Errorf("install forward for %d: %w", port, err)
		}
	}
	return nil
}

// Remove deletes the rules tagged with port.
func (f *IPTablesForwarder) Remove(port int) error {
	comment := forwardComment(port)
	_, err := f.remove(func(r netns.Rule) bool { return r.Comment() == comment })
	return err
}

// RemoveAll deletes every forward rule and returns how many were removed.
func (f *IPTablesForwarder) RemoveAll() (int, error) {
	return f.remove(func(r netns.Rule) bool { return strings.HasPrefix(r.Comment(), forwardCommentPrefix) })
}

func (f *IPTablesForwarder) remove(match func(netns.Rule) bool) (int, error) {
	total := 0
	var errs []error
	for _, chain := range forwardChains {
		n, err := netns.DeleteRules(f.exec, "nat", chain, match)
		total += n
		if err != nil {
			errs = append(errs, err)
		}
	}
	return total, errors.Join(errs...)
}
