// Package catalog discovers VPN client configurations in a directory and derives the
// slug, country and server endpoint used to address each of them.
package catalog

import (
	"errors"
	"fmt"
	"net/netip"
)

const (
	// DefaultPort is assumed when a config names no port.
	DefaultPort = 1194
	// DefaultProtocol is assumed when a config names no protocol.
	DefaultProtocol = "udp"
)

var (
	// ErrNotFound is returned when no config matches the requested slug or name.
	ErrNotFound = errors.New("vpn not found")
	// ErrEmpty is returned when the directory holds no usable config.
	ErrEmpty = errors.New("no vpn configs available")

	// UnresolvedAddr marks a config whose server address is unknown.
	UnresolvedAddr = netip.IPv4Unspecified()
)

// VPN describes one discovered configuration file.
type VPN struct {
	Slug       string     `json:"slug"`
	Name       string     `json:"name"`
	Country    string     `json:"country"`
	Flag       string     `json:"flag"`
	Path       string     `json:"path"`
	ServerHost string     `json:"serverHost,omitempty"`
	ServerIP   netip.Addr `json:"serverIp"`
	ServerPort int        `json:"serverPort"`
	Protocol   string     `json:"protocol"`
}

// Label is the human form used in notifications and listings.
func (v VPN) Label() string {
	return fmt.Sprintf("%s %s (%s)", v.Flag, v.Name, v.Country)
}

// HasServer reports whether the server address was resolved.
func (v VPN) HasServer() bool {
	return v.ServerIP.IsValid() && !v.ServerIP.IsUnspecified()
}

// ConfigError reports a config file that could not be read or parsed.
type ConfigError struct {
	Path string
	Err  error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("vpn config %s: %v", e.Path, e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}
