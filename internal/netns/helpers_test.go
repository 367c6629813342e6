package netns

import (
	"errors"
	"path/filepath"
	"sync"
	"syscall"
	"testing"
	"time"
)

type fakeLinks struct {
	mu        sync.Mutex
	created   []string
	deleted   []string
	up        map[string]bool
	nsUp      map[string]bool
	host      []string
	createErr error
}

func (f *fakeLinks) CreateVeth(namespace string, a Addressing) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return f.createErr
	}
	f.created = append(f.created, namespace+":"+a.HostVeth+"/"+a.NsVeth)
	return nil
}

func (f *fakeLinks) DeleteLink(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, name)
	return nil
}

func (f *fakeLinks) LinkUp(name string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.up[name], nil
}

func (f *fakeLinks) NamespaceLinkUp(namespace, name string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nsUp[namespace+"/"+name], nil
}

func (f *fakeLinks) HostLinks() ([]string, error) {
	return f.host, nil
}

func (f *fakeLinks) wasDeleted(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, d := range f.deleted {
		if d == name {
			return true
		}
	}
	return false
}

type fakeFirewall struct {
	applied  map[string]KillSwitch
	active   map[string]bool
	applyErr error
}

func (f *fakeFirewall) ApplyKillSwitch(namespace string, ks KillSwitch) error {
	if f.applyErr != nil {
		return f.applyErr
	}
	if f.applied == nil {
		f.applied = make(map[string]KillSwitch)
	}
	f.applied[namespace] = ks
	return nil
}

func (f *fakeFirewall) KillSwitchActive(namespace string) (bool, error) {
	if f.active == nil {
		return false, errors.New("no ruleset")
	}
	return f.active[namespace], nil
}

type testRig struct {
	p     *Provisioner
	exec  *MockExec
	links *fakeLinks
	fw    *fakeFirewall
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()
	exec := &MockExec{}
	exec.SetOutput("ip netns list", "")
	exec.SetOutput("iptables -t nat -S POSTROUTING", "-P POSTROUTING ACCEPT\n")
	exec.SetOutput("iptables -t filter -S FORWARD", "-P FORWARD ACCEPT\n")
	links := &fakeLinks{up: map[string]bool{}, nsUp: map[string]bool{}}
	fw := &fakeFirewall{}

	p := NewWithDeps(Config{StateDir: t.TempDir(), Nameservers: []string{"1.1.1.1", "9.9.9.9"}}, exec, links, fw)
	p.etcNetns = filepath.Join(t.TempDir(), "etc-netns")
	p.runNetns = filepath.Join(t.TempDir(), "run-netns")
	p.now = func() time.Time { return time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC) }
	p.signal = func(int, syscall.Signal) error { return syscall.ESRCH }
	p.unmount = func(string) error { return nil }
	p.grace = 20 * time.Millisecond
	return &testRig{p: p, exec: exec, links: links, fw: fw}
}
