// Package netns provisions the isolated network namespaces that carry each VPN: a
// veth pair to the host, NAT, per-namespace DNS and a fail-closed kill-switch.
package netns

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"vpn-netns-proxy/internal/diaglog"
	"vpn-netns-proxy/internal/process"
)

// Phase is the provisioning state of a namespace.
type Phase int

const (
	PhaseAbsent Phase = iota
	PhaseCreated
	PhaseSecured
	PhaseDestroyed
)

func (p Phase) String() string {
	switch p {
	case PhaseAbsent:
		return "absent"
	case PhaseCreated:
		return "created"
	case PhaseSecured:
		return "secured"
	case PhaseDestroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

// StepError reports which provisioning step failed for a namespace.
type StepError struct {
	Step      string
	Namespace string
	Err       error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("namespace %s: %s: %v", e.Namespace, e.Step, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

var validName = regexp.MustCompile(`^[A-Za-z0-9_-]{1,15}$`)

const (
	defaultEtcNetns = "/etc/netns"
	defaultRunNetns = "/var/run/netns"
	killGrace       = 2 * time.Second
	killPoll        = 50 * time.Millisecond
)

// Config carries the provisioner's paths and DNS servers.
type Config struct {
	StateDir    string
	Nameservers []string
	Logger      diaglog.Logger
}

// Spec describes a namespace to create.
type Spec struct {
	Name      string
	Index     int
	SOCKSPort int
	// Server is the VPN handshake endpoint left open by the kill-switch.
	Server netip.AddrPort
	Direct bool
}

// Provisioner creates and destroys namespaces.
type Provisioner struct {
	exec        Executor
	links       LinkManager
	firewall    Firewall
	stateDir    string
	etcNetns    string
	runNetns    string
	nameservers []string
	log         diaglog.Logger

	now     func() time.Time
	signal  func(pid int, sig syscall.Signal) error
	unmount func(path string) error
	grace   time.Duration
}

// New returns a provisioner using real system tooling.
func New(cfg Config) *Provisioner {
	return NewWithDeps(cfg, NewOSExecutor(), NewNetlinkManager(), NewNFTablesFirewall())
}

// NewWithDeps returns a provisioner with injected collaborators.
func NewWithDeps(cfg Config, exec Executor, links LinkManager, firewall Firewall) *Provisioner {
	logger := cfg.Logger
	if logger == nil {
		logger = diaglog.Discard
	}
	return &Provisioner{
		exec:        exec,
		links:       links,
		firewall:    firewall,
		stateDir:    cfg.StateDir,
		etcNetns:    defaultEtcNetns,
		runNetns:    defaultRunNetns,
		nameservers: append([]string(nil), cfg.Nameservers...),
		log:         logger,
		now:         time.Now,
		signal:      unix.Kill,
		unmount:     func(path string) error { return unix.Unmount(path, unix.MNT_DETACH) },
		grace:       killGrace,
	}
}

// Create provisions spec through to the secured phase, or created for a direct
// namespace. Any failure tears down what was built.
func (p *Provisioner) Create(spec Spec) (Namespace, error) {
	if !validName.MatchString(spec.Name) {
		return Namespace{}, &StepError{Step: "validate", Namespace: spec.Name, Err: errors.New("invalid namespace name")}
	}
	if spec.Index < 0 {
		return Namespace{}, &StepError{Step: "validate", Namespace: spec.Name, Err: fmt.Errorf("negative index %d", spec.Index)}
	}
	if !spec.Direct && (!spec.Server.IsValid() || !spec.Server.Addr().Is4()) {
		return Namespace{}, &StepError{Step: "validate", Namespace: spec.Name, Err: errors.New("kill-switch needs an IPv4 server address")}
	}

	if err := p.Destroy(spec.Name); err != nil {
		p.log.Warnf("stale namespace %s not fully removed: %v", spec.Name, err)
	}

	a := AddressingFor(spec.Index)
	fail := func(step string, err error) (Namespace, error) {
		if terr := p.teardown(spec.Name, a); terr != nil {
			p.log.Warnf("teardown after failed %s of %s: %v", step, spec.Name, terr)
		}
		return Namespace{}, &StepError{Step: step, Namespace: spec.Name, Err: err}
	}

	if err := p.exec.Run("ip", "netns", "add", spec.Name); err != nil {
		return Namespace{}, &StepError{Step: "add", Namespace: spec.Name, Err: err}
	}
	if err := p.links.CreateVeth(spec.Name, a); err != nil {
		return fail("veth", err)
	}
	if err := p.installNAT(spec.Name, a); err != nil {
		return fail("nat", err)
	}
	if err := p.writeResolvConf(spec.Name); err != nil {
		return fail("dns", err)
	}
	phase := PhaseCreated
	if !spec.Direct {
		ks := KillSwitch{NsVeth: a.NsVeth, Tunnel: TunnelInterface, Server: spec.Server}
		if err := p.firewall.ApplyKillSwitch(spec.Name, ks); err != nil {
			return fail("kill-switch", err)
		}
		phase = PhaseSecured
	}

	ns := Namespace{
		Name:      spec.Name,
		Index:     spec.Index,
		HostVeth:  a.HostVeth,
		NsVeth:    a.NsVeth,
		HostIP:    a.HostIP,
		NsIP:      a.NsIP,
		SOCKSPort: spec.SOCKSPort,
		CreatedAt: p.now().UTC(),
		Direct:    spec.Direct,
	}
	if spec.Server.IsValid() {
		ns.VPNServerIP = spec.Server.Addr()
		ns.VPNServerPort = int(spec.Server.Port())
	}
	if err := p.writeDescriptor(ns); err != nil {
		return fail("descriptor", err)
	}
	p.log.Infof("namespace %s %s (%s)", spec.Name, phase, a.Block)
	return ns, nil
}

// CreateDirect provisions a namespace without a kill-switch.
func (p *Provisioner) CreateDirect(name string, index int) (Namespace, error) {
	return p.Create(Spec{Name: name, Index: index, Direct: true})
}

// Destroy removes every resource belonging to name. Missing pieces are skipped.
func (p *Provisioner) Destroy(name string) error {
	index, ok := IndexFromName(name)
	if desc, found, err := p.Descriptor(name); err == nil && found {
		index, ok = desc.Index, true
	}

	var errs []error
	if err := p.killProcesses(name); err != nil {
		errs = append(errs, &StepError{Step: "kill", Namespace: name, Err: err})
	}
	if ok {
		if err := p.teardown(name, AddressingFor(index)); err != nil {
			errs = append(errs, err)
		}
	} else if err := p.teardown(name, Addressing{}); err != nil {
		errs = append(errs, err)
	}
	if err := p.removeDescriptor(name); err != nil {
		errs = append(errs, &StepError{Step: "descriptor", Namespace: name, Err: err})
	}
	return errors.Join(errs...)
}

func (p *Provisioner) teardown(name string, a Addressing) error {
	var errs []error
	if err := p.removeNAT(name); err != nil {
		errs = append(errs, &StepError{Step: "nat", Namespace: name, Err: err})
	}
	if a.HostVeth != "" {
		if err := p.links.DeleteLink(a.HostVeth); err != nil {
			errs = append(errs, &StepError{Step: "veth", Namespace: name, Err: err})
		}
	}
	if err := os.RemoveAll(filepath.Join(p.etcNetns, name)); err != nil {
		errs = append(errs, &StepError{Step: "dns", Namespace: name, Err: err})
	}
	exists, err := p.exists(name)
	if err != nil {
		errs = append(errs, &StepError{Step: "list", Namespace: name, Err: err})
	}
	if exists {
		if err := p.exec.Run("ip", "netns", "del", name); err != nil {
			p.log.Debugf("ip netns del %s: %v", name, err)
		}
	}
	mount := filepath.Join(p.runNetns, name)
	if _, err := os.Stat(mount); err == nil {
		if err := p.unmount(mount); err != nil && !errors.Is(err, unix.EINVAL) && !errors.Is(err, unix.ENOENT) {
			p.log.Debugf("unmount %s: %v", mount, err)
		}
		if err := os.Remove(mount); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, &StepError{Step: "mount", Namespace: name, Err: err})
		}
	}
	return errors.Join(errs...)
}

func (p *Provisioner) writeResolvConf(name string) error {
	dir := filepath.Join(p.etcNetns, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	var b strings.Builder
	for _, ns := range p.nameservers {
		fmt.Fprintf(&b, "nameserver %s\n", ns)
	}
	return os.WriteFile(filepath.Join(dir, "resolv.conf"), []byte(b.String()), 0o644)
}

func (p *Provisioner) killProcesses(name string) error {
	exists, err := p.exists(name)
	if err != nil || !exists {
		return err
	}
	out, err := p.exec.Output("ip", "netns", "pids", name)
	if err != nil {
		return fmt.Errorf("ip netns pids %s: %w", name, err)
	}
	var pids []int
	for _, field := range strings.Fields(string(out)) {
		if pid, err := strconv.Atoi(field); err == nil && pid > 0 {
			pids = append(pids, pid)
		}
	}
	if len(pids) == 0 {
		return nil
	}
	for _, pid := range pids {
		_ = p.signal(pid, unix.SIGTERM)
	}
	_ = process.Poll(context.Background(), killPoll, p.grace, func(context.Context) (bool, error) {
		remaining := pids[:0]
		for _, pid := range pids {
			if p.signal(pid, 0) == nil {
				remaining = append(remaining, pid)
			}
		}
		pids = remaining
		return len(pids) == 0, nil
	})
	for _, pid := range pids {
		p.log.Warnf("pid %d in %s ignored SIGTERM; killing", pid, name)
		_ = p.signal(pid, unix.SIGKILL)
	}
	return nil
}

// Names lists every namespace known to "ip netns".
func (p *Provisioner) Names() ([]string, error) {
	out, err := p.exec.Output("ip", "netns", "list")
	if err != nil {
		return nil, fmt.Errorf("ip netns list: %w", err)
	}
	var names []string
	for _, line := range strings.Split(string(out), "\n") {
		if fields := strings.Fields(line); len(fields) > 0 {
			names = append(names, fields[0])
		}
	}
	return names, nil
}

func (p *Provisioner) exists(name string) (bool, error) {
	names, err := p.Names()
	if err != nil {
		return false, err
	}
	for _, n := range names {
		if n == name {
			return true, nil
		}
	}
	return false, nil
}

// Entry is one managed namespace and its descriptor, if any.
type Entry struct {
	Name       string
	Descriptor *Namespace
}

// List returns the managed namespaces ordered by index.
func (p *Provisioner) List() ([]Entry, error) {
	names, err := p.Names()
	if err != nil {
		return nil, err
	}
	var entries []Entry
	for _, name := range names {
		if !IsManagedName(name) {
			continue
		}
		entry := Entry{Name: name}
		if desc, ok, err := p.Descriptor(name); err == nil && ok {
			entry.Descriptor = &desc
		}
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool {
		a, _ := IndexFromName(entries[i].Name)
		b, _ := IndexFromName(entries[j].Name)
		return a < b
	})
	return entries, nil
}

// CleanupReport counts what CleanupAll removed.
type CleanupReport struct {
	Namespaces  []string `json:"namespaces"`
	Links       []string `json:"links"`
	Descriptors []string `json:"descriptors"`
	Rules       int      `json:"rules"`
}

// CleanupAll destroys every managed namespace and orphaned host resource.
func (p *Provisioner) CleanupAll() (CleanupReport, error) {
	var report CleanupReport
	var errs []error

	entries, err := p.List()
	if err != nil {
		errs = append(errs, err)
	}
	for _, entry := range entries {
		if err := p.Destroy(entry.Name); err != nil {
			errs = append(errs, err)
			continue
		}
		report.Namespaces = append(report.Namespaces, entry.Name)
	}

	links, err := p.links.HostLinks()
	if err != nil {
		errs = append(errs, fmt.Errorf("list links: %w", err))
	}
	for _, link := range links {
		if !hostVethPattern.MatchString(link) {
			continue
		}
		if err := p.links.DeleteLink(link); err != nil {
			errs = append(errs, fmt.Errorf("delete link %s: %w", link, err))
			continue
		}
		report.Links = append(report.Links, link)
	}

	descriptors, err := p.descriptorNames()
	if err != nil {
		errs = append(errs, err)
	}
	for _, name := range descriptors {
		if !IsManagedName(name) {
			continue
		}
		if err := p.removeDescriptor(name); err != nil {
			errs = append(errs, err)
			continue
		}
		report.Descriptors = append(report.Descriptors, name)
	}

	rules, err := p.removePoolNAT()
	report.Rules = rules
	if err != nil {
		errs = append(errs, err)
	}
	return report, errors.Join(errs...)
}

// Health is the observed condition of one namespace.
type Health struct {
	Name       string     `json:"name"`
	Exists     bool       `json:"exists"`
	Descriptor *Namespace `json:"descriptor,omitempty"`
	HostVethUp bool       `json:"hostVethUp"`
	TunnelUp   bool       `json:"tunnelUp"`
	KillSwitch bool       `json:"killSwitch"`
}

// Phase derives the provisioning phase from the observations.
func (h Health) Phase() Phase {
	switch {
	case !h.Exists:
		return PhaseAbsent
	case h.KillSwitch:
		return PhaseSecured
	default:
		return PhaseCreated
	}
}

// Check inspects name without changing anything.
func (p *Provisioner) Check(name string) (Health, error) {
	h := Health{Name: name}
	exists, err := p.exists(name)
	if err != nil {
		return h, err
	}
	h.Exists = exists

	index, haveIndex := IndexFromName(name)
	if desc, ok, err := p.Descriptor(name); err != nil {
		return h, err
	} else if ok {
		h.Descriptor = &desc
		index, haveIndex = desc.Index, true
	}
	if haveIndex {
		if up, err := p.links.LinkUp(AddressingFor(index).HostVeth); err == nil {
			h.HostVethUp = up
		}
	}
	if !exists {
		return h, nil
	}
	if up, err := p.TunnelUp(name); err == nil {
		h.TunnelUp = up
	}
	if active, err := p.firewall.KillSwitchActive(name); err == nil {
		h.KillSwitch = active
	} else {
		p.log.Debugf("kill-switch probe for %s: %v", name, err)
	}
	return h, nil
}

// TunnelUp reports whether the VPN tunnel device is up inside name.
func (p *Provisioner) TunnelUp(name string) (bool, error) {
	return p.links.NamespaceLinkUp(name, TunnelInterface)
}
