package proxy

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"testing"
	"time"

	"vpn-netns-proxy/internal/catalog"
	"vpn-netns-proxy/internal/history"
	"vpn-netns-proxy/internal/netns"
	"vpn-netns-proxy/internal/notify"
	"vpn-netns-proxy/internal/stats"
)

type fakeCatalog struct {
	vpns    []catalog.VPN
	pick    int
	listErr error
}

func (c *fakeCatalog) List(context.Context) ([]catalog.VPN, error) {
	if c.listErr != nil {
		return nil, c.listErr
	}
	return append([]catalog.VPN(nil), c.vpns...), nil
}

func (c *fakeCatalog) Resolve(_ context.Context, key string) (catalog.VPN, error) {
	for _, v := range c.vpns {
		if v.Slug == key || v.Name == key {
			return v, nil
		}
	}
	return catalog.VPN{}, fmt.Errorf("%w: %s", catalog.ErrNotFound, key)
}

func (c *fakeCatalog) Random(context.Context) (catalog.VPN, error) {
	if len(c.vpns) == 0 {
		return catalog.VPN{}, catalog.ErrEmpty
	}
	return c.vpns[c.pick%len(c.vpns)], nil
}

func (c *fakeCatalog) RandomExcept(ctx context.Context, slug string) (catalog.VPN, error) {
	for i := range c.vpns {
		v := c.vpns[(c.pick+i)%len(c.vpns)]
		if v.Slug != slug {
			return v, nil
		}
	}
	return c.Random(ctx)
}

type fakeProvisioner struct {
	mu         sync.Mutex
	live       map[string]netns.Namespace
	created    []netns.Spec
	destroyed  []string
	createErr  error
	destroyErr error
	tunnelUp   bool
	cleanedAll bool
}

func newFakeProvisioner() *fakeProvisioner {
	return &fakeProvisioner{live: map[string]netns.Namespace{}, tunnelUp: true}
}

func (p *fakeProvisioner) Create(spec netns.Spec) (netns.Namespace, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.createErr != nil {
		return netns.Namespace{}, p.createErr
	}
	a := netns.AddressingFor(spec.Index)
	ns := netns.Namespace{
		Name:          spec.Name,
		Index:         spec.Index,
		HostVeth:      a.HostVeth,
		NsVeth:        a.NsVeth,
		HostIP:        a.HostIP,
		NsIP:          a.NsIP,
		SOCKSPort:     spec.SOCKSPort,
		VPNServerIP:   spec.Server.Addr(),
		VPNServerPort: int(spec.Server.Port()),
	}
	p.created = append(p.created, spec)
	p.live[spec.Name] = ns
	return ns, nil
}

func (p *fakeProvisioner) Destroy(name string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.destroyed = append(p.destroyed, name)
	delete(p.live, name)
	return p.destroyErr
}

func (p *fakeProvisioner) CleanupAll() (netns.CleanupReport, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var report netns.CleanupReport
	for name := range p.live {
		report.Namespaces = append(report.Namespaces, name)
	}
	p.live = map[string]netns.Namespace{}
	p.cleanedAll = true
	return report, nil
}

func (p *fakeProvisioner) TunnelUp(string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tunnelUp, nil
}

func (p *fakeProvisioner) Check(name string) (netns.Health, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ns, ok := p.live[name]
	h := netns.Health{Name: name, Exists: ok}
	if ok {
		h.Descriptor = &ns
		h.TunnelUp = p.tunnelUp
		h.KillSwitch = true
	}
	return h, nil
}

func (p *fakeProvisioner) isLive(name string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.live[name]
	return ok
}

type fakeLauncher struct {
	nextPID   int
	clientErr error
	socksErr  error
	dead      bool
	clients   []string
	socks     []int
}

func (l *fakeLauncher) StartClient(_ context.Context, ns netns.Namespace, vpn catalog.VPN) (int, error) {
	if l.clientErr != nil {
		return 0, l.clientErr
	}
	l.clients = append(l.clients, ns.Name+"="+vpn.Slug)
	l.nextPID++
	return 1000 + l.nextPID, nil
}

func (l *fakeLauncher) StartSOCKS(_ context.Context, _ netns.Namespace, port int) (int, error) {
	if l.socksErr != nil {
		return 0, l.socksErr
	}
	l.socks = append(l.socks, port)
	l.nextPID++
	return 1000 + l.nextPID, nil
}

func (l *fakeLauncher) Alive(int) bool {
	return !l.dead
}

type fakeForwarder struct {
	installed  map[int]netip.AddrPort
	removed    []int
	installErr error
}

func (f *fakeForwarder) Install(port int, target netip.AddrPort) error {
	if f.installErr != nil {
		return f.installErr
	}
	if f.installed == nil {
		f.installed = map[int]netip.AddrPort{}
	}
	f.installed[port] = target
	return nil
}

func (f *fakeForwarder) Remove(port int) error {
	f.removed = append(f.removed, port)
	delete(f.installed, port)
	return nil
}

func (f *fakeForwarder) RemoveAll() (int, error) {
	n := len(f.installed)
	f.installed = nil
	return n, nil
}

type recordingJournal struct {
	events []history.Event
}

func (j *recordingJournal) Record(_ context.Context, ev history.Event) error {
	j.events = append(j.events, ev)
	return nil
}

func (j *recordingJournal) kinds() []history.Kind {
	out := make([]history.Kind, 0, len(j.events))
	for _, ev := range j.events {
		out = append(out, ev.Kind)
	}
	return out
}

type fakeTraffic map[string]stats.Counters

func (f fakeTraffic) Read(iface string) (stats.Counters, error) {
	c, ok := f[iface]
	if !ok {
		return stats.Counters{}, errors.New("no such interface")
	}
	return c, nil
}

type recordingNotifier struct {
	messages []notify.Message
}

func (n *recordingNotifier) Notify(_ context.Context, msg notify.Message) error {
	n.messages = append(n.messages, msg)
	return nil
}

type rig struct {
	m        *Manager
	store    *Store
	catalog  *fakeCatalog
	prov     *fakeProvisioner
	launcher *fakeLauncher
	forward  *fakeForwarder
	journal  *recordingJournal
	notifier *recordingNotifier
	clock    time.Time
}

func testVPN(slug, ip string) catalog.VPN {
	return catalog.VPN{
		Slug:       slug,
		Name:       slug,
		Country:    "GB",
		Path:       "/vpns/" + slug + ".ovpn",
		ServerHost: ip,
		ServerIP:   netip.MustParseAddr(ip),
		ServerPort: 1194,
		Protocol:   "udp",
	}
}

func newRig(t *testing.T) *rig {
	t.Helper()
	r := &rig{
		store: NewStore(t.TempDir()),
		catalog: &fakeCatalog{vpns: []catalog.VPN{
			testVPN("gb-london", "203.0.113.10"),
			testVPN("us-east", "203.0.113.20"),
			testVPN("de-berlin", "203.0.113.30"),
		}},
		prov:     newFakeProvisioner(),
		launcher: &fakeLauncher{},
		forward:  &fakeForwarder{},
		journal:  &recordingJournal{},
		notifier: &recordingNotifier{},
		clock:    time.Unix(1_700_000_000, 0),
	}
	m, err := NewManager(Config{
		PortStart:      10800,
		PortEnd:        10802,
		IdleTimeout:    300 * time.Second,
		RandomRotation: 1800 * time.Second,
		TunnelTimeout:  time.Second,
		TunnelPoll:     5 * time.Millisecond,
	}, Deps{
		Store:       r.store,
		Catalog:     r.catalog,
		Provisioner: r.prov,
		Launcher:    r.launcher,
		Forwarder:   r.forward,
		Journal:     r.journal,
		Notifier:    r.notifier,
		Traffic:     fakeTraffic{"vh0": {Interface: "vh0", RxBytes: 10, TxBytes: 20}},
	})
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	m.now = func() time.Time { return r.clock }
	m.dial = func(context.Context, string) error { return nil }
	r.m = m
	return r
}

func (r *rig) advance(d time.Duration) {
	r.clock = r.clock.Add(d)
}

func (r *rig) state(t *testing.T) State {
	t.Helper()
	state, dropped, err := r.store.Load()
	if err != nil {
		t.Fatalf("load state: %v", err)
	}
	if len(dropped) > 0 {
		t.Fatalf("unexpected inconsistent ports %v", dropped)
	}
	return state
}

func (r *rig) mustStart(t *testing.T, req Request) Result {
	t.Helper()
	res, err := r.m.Start(context.Background(), req)
	if err != nil {
		t.Fatalf("Start(%s) failed: %v", req, err)
	}
	return res
}

var errBoom = errors.New("boom")
