// Package stats reads byte counters of host network interfaces.
package stats

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Counters are the cumulative byte counts of one interface.
type Counters struct {
	Interface string `json:"interface"`
	RxBytes   uint64 `json:"rxBytes"`
	TxBytes   uint64 `json:"txBytes"`
	OperState string `json:"operState,omitempty"`
}

// Total returns received plus transmitted bytes.
func (c Counters) Total() uint64 {
	return c.RxBytes + c.TxBytes
}

// Reader reads counters from sysfs.
type Reader struct {
	root string
}

// NewReader returns a reader over /sys/class/net.
func NewReader() *Reader {
	return &Reader{root: "/sys/class/net"}
}

// Read returns the counters of iface.
func (r *Reader) Read(iface string) (Counters, error) {
	if strings.TrimSpace(iface) == "" || strings.ContainsAny(iface, `/\`) {
		return Counters{}, fmt.Errorf("invalid interface name %q", iface)
	}
	base := filepath.Join(r.root, iface, "statistics")
	rx, err := readUintFromFile(filepath.Join(base, "rx_bytes"))
	if err != nil {
		return Counters{}, err
	}
	tx, err := readUintFromFile(filepath.Join(base, "tx_bytes"))
	if err != nil {
		return Counters{}, err
	}
	c := Counters{Interface: iface, RxBytes: rx, TxBytes: tx}
	if state, err := os.ReadFile(filepath.Join(r.root, iface, "operstate")); err == nil {
		c.OperState = strings.TrimSpace(string(state))
	}
	return c, nil
}

func readUintFromFile(path string) (uint64, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	value, err := strconv.ParseUint(strings.TrimSpace(string(raw)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", path, err)
	}
	return value, nil
}
