package netns

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Namespace is the on-disk descriptor of a provisioned namespace.
type Namespace struct {
	Name          string     `json:"name"`
	Index         int        `json:"index"`
	HostVeth      string     `json:"hostVeth"`
	NsVeth        string     `json:"nsVeth"`
	HostIP        netip.Addr `json:"hostIp"`
	NsIP          netip.Addr `json:"nsIp"`
	SOCKSPort     int        `json:"socksPort"`
	VPNServerIP   netip.Addr `json:"vpnServerIp"`
	VPNServerPort int        `json:"vpnServerPort"`
	CreatedAt     time.Time  `json:"createdAt"`
	Direct        bool       `json:"direct,omitempty"`
}

// Addressing reconstructs the address plan of the descriptor.
func (n Namespace) Addressing() Addressing {
	return AddressingFor(n.Index)
}

func (p *Provisioner) descriptorDir() string {
	return filepath.Join(p.stateDir, "namespaces")
}

func (p *Provisioner) descriptorPath(name string) string {
	return filepath.Join(p.descriptorDir(), name+".json")
}

// Descriptor loads the descriptor for name. ok is false when none exists.
func (p *Provisioner) Descriptor(name string) (Namespace, bool, error) {
	raw, err := os.ReadFile(p.descriptorPath(name))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Namespace{}, false, nil
		}
		return Namespace{}, false, err
	}
	var ns Namespace
	if err := json.Unmarshal(raw, &ns); err != nil {
		return Namespace{}, false, fmt.Errorf("decode descriptor %s: %w", name, err)
	}
	return ns, true, nil
}

func (p *Provisioner) writeDescriptor(ns Namespace) error {
	if err := os.MkdirAll(p.descriptorDir(), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(ns, "", "  ")
	if err != nil {
		return err
	}
	path := p.descriptorPath(ns.Name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (p *Provisioner) removeDescriptor(name string) error {
	if err := os.Remove(p.descriptorPath(name)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func (p *Provisioner) descriptorNames() ([]string, error) {
	entries, err := os.ReadDir(p.descriptorDir())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var names []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		names = append(names, strings.TrimSuffix(entry.Name(), ".json"))
	}
	return names, nil
}
