// Package proxy is the control plane: it binds VPN slugs to host ports, provisions
// a namespace per port, supervises the helpers inside it and reaps idle proxies.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sort"
	"strconv"
	"time"

	"vpn-netns-proxy/internal/catalog"
	"vpn-netns-proxy/internal/diaglog"
	"vpn-netns-proxy/internal/history"
	"vpn-netns-proxy/internal/netns"
	"vpn-netns-proxy/internal/notify"
	"vpn-netns-proxy/internal/process"
	"vpn-netns-proxy/internal/stats"
)

// Catalog resolves VPN requests to configs.
type Catalog interface {
	List(ctx context.Context) ([]catalog.VPN, error)
	Resolve(ctx context.Context, key string) (catalog.VPN, error)
	Random(ctx context.Context) (catalog.VPN, error)
	RandomExcept(ctx context.Context, slug string) (catalog.VPN, error)
}

// Provisioner manages the namespace behind each port.
type Provisioner interface {
	Create(spec netns.Spec) (netns.Namespace, error)
	Destroy(name string) error
	CleanupAll() (netns.CleanupReport, error)
	TunnelUp(name string) (bool, error)
	Check(name string) (netns.Health, error)
}

// Traffic reads host interface byte counters.
type Traffic interface {
	Read(iface string) (stats.Counters, error)
}

// Journal records lifecycle events.
type Journal interface {
	Record(ctx context.Context, ev history.Event) error
}

// Config holds the manager's tunables.
type Config struct {
	PortStart      int
	PortEnd        int
	IdleTimeout    time.Duration
	RandomRotation time.Duration
	TunnelTimeout  time.Duration
	TunnelPoll     time.Duration
}

// Deps are the manager's collaborators. Journal, Notifier, Traffic and Logger
// are optional.
type Deps struct {
	Store       *Store
	Catalog     Catalog
	Provisioner Provisioner
	Launcher    Launcher
	Forwarder   Forwarder
	Journal     Journal
	Notifier    notify.Notifier
	Traffic     Traffic
	Logger      diaglog.Logger
}

// Manager orchestrates proxies.
type Manager struct {
	cfg      Config
	store    *Store
	catalog  Catalog
	prov     Provisioner
	launcher Launcher
	forward  Forwarder
	journal  Journal
	notifier notify.Notifier
	traffic  Traffic
	log      diaglog.Logger

	now  func() time.Time
	dial func(ctx context.Context, addr string) error
}

// NewManager wires a manager.
func NewManager(cfg Config, deps Deps) (*Manager, error) {
	if deps.Store == nil || deps.Catalog == nil || deps.Provisioner == nil || deps.Launcher == nil || deps.Forwarder == nil {
		return nil, errors.New("proxy manager requires store, catalog, provisioner, launcher and forwarder")
	}
	if cfg.PortStart <= 0 || cfg.PortEnd < cfg.PortStart {
		return nil, fmt.Errorf("invalid port range %d-%d", cfg.PortStart, cfg.PortEnd)
	}
	m := &Manager{
		cfg:      cfg,
		store:    deps.Store,
		catalog:  deps.Catalog,
		prov:     deps.Provisioner,
		launcher: deps.Launcher,
		forward:  deps.Forwarder,
		journal:  deps.Journal,
		notifier: deps.Notifier,
		traffic:  deps.Traffic,
		log:      deps.Logger,
		now:      time.Now,
		dial:     dialTCP,
	}
	if m.notifier == nil {
		m.notifier = notify.Discard{}
	}
	if m.log == nil {
		m.log = diaglog.Discard
	}
	return m, nil
}

// Result is the outcome of Start.
type Result struct {
	Port   int         `json:"port"`
	VPN    catalog.VPN `json:"vpn"`
	Reused bool        `json:"reused"`
}

// Start returns a port serving the requested VPN, provisioning one if needed.
func (m *Manager) Start(ctx context.Context, req Request) (Result, error) {
	var result Result
	err := m.store.WithLock(func() error {
		vpn, pending, err := m.resolve(ctx, req)
		if err != nil {
			return err
		}
		state, err := m.load()
		if err != nil {
			return err
		}

		if port, ok := state.SlugToPort[vpn.Slug]; ok {
			state.LastUsed[port] = m.now().Unix()
			if err := m.store.Save(state); err != nil {
				return err
			}
			m.record(ctx, history.Event{Kind: history.KindReuse, Slug: vpn.Slug, Port: port, Namespace: state.PortToNs[port]})
			m.commitRandom(pending)
			result = Result{Port: port, VPN: vpn, Reused: true}
			return nil
		}

		port, err := allocatePort(state, m.cfg.PortStart, m.cfg.PortEnd)
		if err != nil {
			return err
		}
		pids, name, err := m.provision(ctx, vpn, port)
		if err != nil {
			m.record(ctx, history.Event{Kind: history.KindFailure, Slug: vpn.Slug, Port: port, Namespace: name, Detail: err.Error()})
			return err
		}

		state.bind(vpn.Slug, port, name, m.now(), pids)
		if err := m.store.Save(state); err != nil {
			m.teardown(name, port)
			return &ProvisionError{Stage: "persist", Namespace: name, Err: err}
		}
		m.log.Infof("proxy %s ready on port %d (%s)", vpn.Slug, port, name)
		m.record(ctx, history.Event{Kind: history.KindStart, Slug: vpn.Slug, Port: port, Namespace: name, Detail: vpn.Path})
		m.commitRandom(pending)
		result = Result{Port: port, VPN: vpn}
		return nil
	})
	return result, err
}

// resolve maps a request to a config, handling the random selection and the
// fallback for unknown slugs. A non-nil RandomState is a new random selection
// that Start persists once the proxy is up.
func (m *Manager) resolve(ctx context.Context, req Request) (catalog.VPN, *RandomState, error) {
	if req.IsRandom() {
		return m.currentRandom(ctx)
	}
	vpn, err := m.catalog.Resolve(ctx, req.Slug())
	if err == nil {
		return vpn, nil, nil
	}
	if !errors.Is(err, catalog.ErrNotFound) {
		return catalog.VPN{}, nil, err
	}
	fallback, rerr := m.catalog.Random(ctx)
	if rerr != nil {
		return catalog.VPN{}, nil, fmt.Errorf("%w; random fallback: %v", err, rerr)
	}
	msg := fmt.Sprintf("VPN %q not found, using %s", req.Slug(), fallback.Label())
	m.log.Warnf("%s", msg)
	if nerr := m.notifier.Notify(ctx, notify.Message{Title: "VPN proxy fallback", Body: msg, Urgency: notify.UrgencyNormal}); nerr != nil {
		m.log.Debugf("notify: %v", nerr)
	}
	m.record(ctx, history.Event{Kind: history.KindFallback, Slug: fallback.Slug, Detail: "requested " + req.Slug()})
	return fallback, nil, nil
}

func (m *Manager) currentRandom(ctx context.Context) (catalog.VPN, *RandomState, error) {
	now := m.now()
	rs, ok, err := m.store.LoadRandom()
	if err != nil {
		return catalog.VPN{}, nil, err
	}
	if ok && !rs.Expired(now) {
		vpn, err := m.catalog.Resolve(ctx, rs.Slug)
		if err == nil {
			return vpn, nil, nil
		}
		m.log.Warnf("random selection %s no longer resolves: %v", rs.Slug, err)
	}
	vpn, err := m.catalog.Random(ctx)
	if err != nil {
		return catalog.VPN{}, nil, err
	}
	return vpn, &RandomState{Slug: vpn.Slug, ExpiresAt: now.Add(m.cfg.RandomRotation).Unix()}, nil
}

// commitRandom persists a new random selection. The proxy is already up, so a
// write failure is only logged.
func (m *Manager) commitRandom(rs *RandomState) {
	if rs == nil {
		return
	}
	if err := m.store.SaveRandom(*rs); err != nil {
		m.log.Warnf("persist random selection %s: %v", rs.Slug, err)
	}
}

// provision builds the namespace, helpers and forward for port. On failure
// everything created is torn down and a ProvisionError returned.
func (m *Manager) provision(ctx context.Context, vpn catalog.VPN, port int) (PIDs, string, error) {
	index := port - m.cfg.PortStart
	name := netns.NameFor(index)
	if !vpn.HasServer() {
		return PIDs{}, name, &ProvisionError{Stage: "resolve", Namespace: name,
			Err: fmt.Errorf("server address of %s is unknown", vpn.Slug)}
	}

	ns, err := m.prov.Create(netns.Spec{
		Name:      name,
		Index:     index,
		SOCKSPort: port,
		Server:    netip.AddrPortFrom(vpn.ServerIP, uint16(vpn.ServerPort)),
	})
	if err != nil {
		return PIDs{}, name, &ProvisionError{Stage: "namespace", Namespace: name, Err: err}
	}

	fail := func(stage string, err error) (PIDs, string, error) {
		m.teardown(name, port)
		return PIDs{}, name, &ProvisionError{Stage: stage, Namespace: name, Err: err}
	}

	clientPID, err := m.launcher.StartClient(ctx, ns, vpn)
	if err != nil {
		return fail("vpn-client", err)
	}
	err = process.Poll(ctx, m.cfg.TunnelPoll, m.cfg.TunnelTimeout, func(context.Context) (bool, error) {
		up, err := m.prov.TunnelUp(name)
		if err != nil {
			return false, err
		}
		if !up && !m.launcher.Alive(clientPID) {
			return false, errors.New("vpn client exited before the tunnel came up")
		}
		return up, nil
	})
	if err != nil {
		return fail("tunnel", err)
	}
	proxyPID, err := m.launcher.StartSOCKS(ctx, ns, port)
	if err != nil {
		return fail("socks", err)
	}
	if err := m.forward.Install(port, netip.AddrPortFrom(ns.NsIP, uint16(port))); err != nil {
		return fail("forward", err)
	}
	return PIDs{Client: clientPID, Proxy: proxyPID}, name, nil
}

func (m *Manager) teardown(name string, port int) {
	if err := m.forward.Remove(port); err != nil {
		m.log.Warnf("remove forward for %d: %v", port, err)
	}
	if err := m.prov.Destroy(name); err != nil {
		m.log.Warnf("destroy %s: %v", name, err)
	}
}

// Stop tears down the proxy bound to slug. Unknown slugs are not an error.
func (m *Manager) Stop(ctx context.Context, slug string) error {
	return m.store.WithLock(func() error {
		state, err := m.load()
		if err != nil {
			return err
		}
		port, ok := state.SlugToPort[slug]
		if !ok {
			return nil
		}
		return m.stopByPort(ctx, &state, port, history.KindStop)
	})
}

// stopByPort removes the forward and namespace for port and drops its entries.
// The entries are dropped even when teardown reports an error.
func (m *Manager) stopByPort(ctx context.Context, state *State, port int, kind history.Kind) error {
	slug := state.PortToSlug[port]
	name := state.PortToNs[port]
	if name == "" {
		name = netns.NameFor(port - m.cfg.PortStart)
	}

	var errs []error
	if err := m.forward.Remove(port); err != nil {
		errs = append(errs, err)
	}
	if err := m.prov.Destroy(name); err != nil {
		errs = append(errs, err)
	}
	state.unbind(port)
	if err := m.store.Save(*state); err != nil {
		errs = append(errs, err)
	}
	m.log.Infof("proxy %s on port %d stopped", slug, port)
	m.record(ctx, history.Event{Kind: kind, Slug: slug, Port: port, Namespace: name})
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("stop %s on port %d: %w", slug, port, err)
	}
	return nil
}

// Get returns the port serving req and refreshes its last use.
func (m *Manager) Get(ctx context.Context, req Request) (int, error) {
	var port int
	err := m.store.WithLock(func() error {
		slug := req.Slug()
		if req.IsRandom() {
			rs, ok, err := m.store.LoadRandom()
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("%w: %s", ErrNotRunning, req)
			}
			slug = rs.Slug
		}
		state, err := m.load()
		if err != nil {
			return err
		}
		p, ok := state.SlugToPort[slug]
		if !ok {
			return fmt.Errorf("%w: %s", ErrNotRunning, req)
		}
		state.LastUsed[p] = m.now().Unix()
		port = p
		return m.store.Save(state)
	})
	return port, err
}

// Proxy is one active binding.
type Proxy struct {
	Slug        string `json:"slug"`
	Port        int    `json:"port"`
	Namespace   string `json:"namespace"`
	IdleSeconds int64  `json:"idleSeconds"`
}

// List returns the active proxies ordered by port.
func (m *Manager) List(context.Context) ([]Proxy, error) {
	state, err := m.load()
	if err != nil {
		return nil, err
	}
	now := m.now().Unix()
	proxies := make([]Proxy, 0, len(state.PortToSlug))
	for _, port := range state.ports() {
		idle := now - state.LastUsed[port]
		if idle < 0 {
			idle = 0
		}
		proxies = append(proxies, Proxy{
			Slug:        state.PortToSlug[port],
			Port:        port,
			Namespace:   state.PortToNs[port],
			IdleSeconds: idle,
		})
	}
	return proxies, nil
}

// CleanupIdle stops proxies idle for longer than the idle timeout and returns how
// many were stopped.
func (m *Manager) CleanupIdle(ctx context.Context) (int, error) {
	stopped := 0
	err := m.store.WithLock(func() error {
		state, err := m.load()
		if err != nil {
			return err
		}
		now := m.now().Unix()
		limit := int64(m.cfg.IdleTimeout / time.Second)
		var errs []error
		for _, port := range state.ports() {
			if now-state.LastUsed[port] <= limit {
				continue
			}
			if err := m.stopByPort(ctx, &state, port, history.KindIdleStop); err != nil {
				errs = append(errs, err)
			}
			stopped++
		}
		return errors.Join(errs...)
	})
	return stopped, err
}

// Rotation describes what RotateRandom did.
type Rotation struct {
	Rotated   bool   `json:"rotated"`
	Previous  string `json:"previous,omitempty"`
	Current   string `json:"current,omitempty"`
	ExpiresAt int64  `json:"expiresAt,omitempty"`
	Stopped   bool   `json:"stopped"`
}

// RotateRandom replaces an expired random selection, stopping the proxy bound to
// it. Without a selection it does nothing.
func (m *Manager) RotateRandom(ctx context.Context) (Rotation, error) {
	var rot Rotation
	err := m.store.WithLock(func() error {
		rs, ok, err := m.store.LoadRandom()
		if err != nil || !ok {
			return err
		}
		now := m.now()
		rot.Previous, rot.Current, rot.ExpiresAt = rs.Slug, rs.Slug, rs.ExpiresAt
		if !rs.Expired(now) {
			return nil
		}

		var errs []error
		state, err := m.load()
		if err != nil {
			return err
		}
		if port, bound := state.SlugToPort[rs.Slug]; bound {
			if err := m.stopByPort(ctx, &state, port, history.KindRotate); err != nil {
				errs = append(errs, err)
			}
			rot.Stopped = true
		}

		next, err := m.catalog.RandomExcept(ctx, rs.Slug)
		if err != nil {
			return errors.Join(append(errs, err)...)
		}
		fresh := RandomState{Slug: next.Slug, ExpiresAt: now.Add(m.cfg.RandomRotation).Unix()}
		if err := m.store.SaveRandom(fresh); err != nil {
			return errors.Join(append(errs, err)...)
		}
		rot.Rotated, rot.Current, rot.ExpiresAt = true, fresh.Slug, fresh.ExpiresAt
		m.log.Infof("random selection rotated %s -> %s", rs.Slug, fresh.Slug)
		m.record(ctx, history.Event{Kind: history.KindRotate, Slug: fresh.Slug, Detail: "previous " + rs.Slug})
		return errors.Join(errs...)
	})
	return rot, err
}

// StopAllReport summarises StopAll.
type StopAllReport struct {
	Cleanup  netns.CleanupReport `json:"cleanup"`
	Forwards int                 `json:"forwards"`
}

// StopAll destroys every managed namespace and forward and clears the state files.
func (m *Manager) StopAll(ctx context.Context) (StopAllReport, error) {
	var report StopAllReport
	err := m.store.WithLock(func() error {
		var errs []error
		cleanup, err := m.prov.CleanupAll()
		report.Cleanup = cleanup
		if err != nil {
			errs = append(errs, err)
		}
		forwards, err := m.forward.RemoveAll()
		report.Forwards = forwards
		if err != nil {
			errs = append(errs, err)
		}
		if err := m.store.Clear(); err != nil {
			errs = append(errs, err)
		}
		m.record(ctx, history.Event{Kind: history.KindStopAll,
			Detail: fmt.Sprintf("%d namespaces, %d forwards", len(cleanup.Namespaces), forwards)})
		return errors.Join(errs...)
	})
	return report, err
}

// ProxyStatus is the health of one active proxy.
type ProxyStatus struct {
	Proxy
	NamespaceUp bool            `json:"namespaceUp"`
	TunnelUp    bool            `json:"tunnelUp"`
	KillSwitch  bool            `json:"killSwitch"`
	SOCKSReady  bool            `json:"socksReady"`
	Traffic     *stats.Counters `json:"traffic,omitempty"`
}

// Status is the overall view returned by Status.
type Status struct {
	Proxies []ProxyStatus `json:"proxies"`
	Random  *RandomState  `json:"random,omitempty"`
}

// Status probes every active proxy without changing state.
func (m *Manager) Status(ctx context.Context) (Status, error) {
	proxies, err := m.List(ctx)
	if err != nil {
		return Status{}, err
	}
	var st Status
	if rs, ok, err := m.store.LoadRandom(); err == nil && ok {
		st.Random = &rs
	}
	for _, p := range proxies {
		ps := ProxyStatus{Proxy: p}
		if h, err := m.prov.Check(p.Namespace); err == nil {
			ps.NamespaceUp = h.Exists
			ps.TunnelUp = h.TunnelUp
			ps.KillSwitch = h.KillSwitch
			if h.Descriptor != nil {
				addr := net.JoinHostPort(h.Descriptor.NsIP.String(), strconv.Itoa(p.Port))
				ps.SOCKSReady = m.dial(ctx, addr) == nil
				if m.traffic != nil {
					if c, err := m.traffic.Read(h.Descriptor.HostVeth); err == nil {
						ps.Traffic = &c
					}
				}
			}
		} else {
			m.log.Debugf("check %s: %v", p.Namespace, err)
		}
		st.Proxies = append(st.Proxies, ps)
	}
	return st, nil
}

// VPNs lists the catalog.
func (m *Manager) VPNs(ctx context.Context) ([]catalog.VPN, error) {
	vpns, err := m.catalog.List(ctx)
	if err != nil {
		return nil, err
	}
	sort.Slice(vpns, func(i, j int) bool { return vpns[i].Slug < vpns[j].Slug })
	return vpns, nil
}

func (m *Manager) load() (State, error) {
	state, dropped, err := m.store.Load()
	if err != nil {
		return State{}, err
	}
	if len(dropped) > 0 {
		m.log.Warnf("dropped inconsistent proxy state for ports %v", dropped)
	}
	return state, nil
}

func (m *Manager) record(ctx context.Context, ev history.Event) {
	if m.journal == nil {
		return
	}
	if ev.Time.IsZero() {
		ev.Time = m.now()
	}
	if err := m.journal.Record(ctx, ev); err != nil {
		m.log.Debugf("journal %s: %v", ev.Kind, err)
	}
}

func dialTCP(ctx context.Context, addr string) error {
	d := net.Dialer{Timeout: time.Second}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	return conn.Close()
}
