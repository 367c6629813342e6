// Package settings loads runtime configuration from the environment, an optional
// config file, and command-line flags bound through viper.
package settings

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment key (VPNPROXY_PORT_START, ...).
const EnvPrefix = "VPNPROXY"

// Keys understood by Load. Environment variables are the upper-cased key with EnvPrefix.
const (
	KeyVPNDir          = "vpn_dir"
	KeyStateDir        = "state_dir"
	KeyPortStart       = "port_start"
	KeyPortEnd         = "port_end"
	KeyIdleTimeout     = "idle_timeout"
	KeyRandomRotation  = "random_rotation"
	KeyCleanupInterval = "cleanup_interval"
	KeyTunnelTimeout   = "tunnel_timeout"
	KeyTunnelPoll      = "tunnel_poll"
	KeyVPNClient       = "vpn_client"
	KeySOCKSServer     = "socks_server"
	KeyNameservers     = "nameservers"
	KeyAPIAddr         = "api_addr"
	KeyLogLevel        = "log_level"
	KeyDiagLog         = "diag_log"
	KeyNotify          = "notify"
)

const (
	defaultVPNDir    = "/etc/openvpn/client"
	defaultStateDir  = "/var/lib/vpn-netns-proxy"
	defaultConfigDir = "/etc/vpn-netns-proxy"

	// Each port owns one 10.200.N.0/24 block and there are 254 usable blocks.
	maxPortRange = 254
)

// Settings is the resolved runtime configuration shared by every binary.
type Settings struct {
	VPNDir          string
	StateDir        string
	PortStart       int
	PortEnd         int
	IdleTimeout     time.Duration
	RandomRotation  time.Duration
	CleanupInterval time.Duration
	TunnelTimeout   time.Duration
	TunnelPoll      time.Duration
	VPNClient       string
	SOCKSServer     string
	Nameservers     []string
	APIAddr         string
	LogLevel        string
	DiagLogPath     string
	Notify          bool
}

// New returns a viper instance with defaults, env binding and the optional config file path.
func New() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	v.SetDefault(KeyVPNDir, defaultVPNDir)
	v.SetDefault(KeyStateDir, defaultStateDir)
	v.SetDefault(KeyPortStart, 10800)
	v.SetDefault(KeyPortEnd, 10899)
	v.SetDefault(KeyIdleTimeout, 300)
	v.SetDefault(KeyRandomRotation, 1800)
	v.SetDefault(KeyCleanupInterval, 60)
	v.SetDefault(KeyTunnelTimeout, 30)
	v.SetDefault(KeyTunnelPoll, 500)
	v.SetDefault(KeyVPNClient, "openvpn")
	v.SetDefault(KeySOCKSServer, "microsocks")
	v.SetDefault(KeyNameservers, "1.1.1.1,9.9.9.9")
	v.SetDefault(KeyAPIAddr, "")
	v.SetDefault(KeyLogLevel, "info")
	v.SetDefault(KeyDiagLog, "")
	v.SetDefault(KeyNotify, true)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(defaultConfigDir)
	return v
}

// Load reads the optional config file and resolves all keys into Settings.
func Load(v *viper.Viper) (Settings, error) {
	if v == nil {
		v = New()
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Settings{}, fmt.Errorf("read config file: %w", err)
		}
	}

	s := Settings{
		VPNDir:          strings.TrimSpace(v.GetString(KeyVPNDir)),
		StateDir:        strings.TrimSpace(v.GetString(KeyStateDir)),
		PortStart:       v.GetInt(KeyPortStart),
		PortEnd:         v.GetInt(KeyPortEnd),
		IdleTimeout:     time.Duration(v.GetInt(KeyIdleTimeout)) * time.Second,
		RandomRotation:  time.Duration(v.GetInt(KeyRandomRotation)) * time.Second,
		CleanupInterval: time.Duration(v.GetInt(KeyCleanupInterval)) * time.Second,
		TunnelTimeout:   time.Duration(v.GetInt(KeyTunnelTimeout)) * time.Second,
		TunnelPoll:      time.Duration(v.GetInt(KeyTunnelPoll)) * time.Millisecond,
		VPNClient:       strings.TrimSpace(v.GetString(KeyVPNClient)),
		SOCKSServer:     strings.TrimSpace(v.GetString(KeySOCKSServer)),
		Nameservers:     splitList(v.GetString(KeyNameservers)),
		APIAddr:         strings.TrimSpace(v.GetString(KeyAPIAddr)),
		LogLevel:        strings.TrimSpace(v.GetString(KeyLogLevel)),
		DiagLogPath:     strings.TrimSpace(v.GetString(KeyDiagLog)),
		Notify:          v.GetBool(KeyNotify),
	}
	if s.DiagLogPath == "" && s.StateDir != "" {
		s.DiagLogPath = filepath.Join(s.StateDir, "diagnostics.log")
	}
	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

// Validate rejects settings the orchestrator cannot operate with.
func (s Settings) Validate() error {
	if s.VPNDir == "" {
		return fmt.Errorf("%s must not be empty", KeyVPNDir)
	}
	if s.StateDir == "" {
		return fmt.Errorf("%s must not be empty", KeyStateDir)
	}
	if s.PortStart < 1 || s.PortStart > 65535 || s.PortEnd < 1 || s.PortEnd > 65535 {
		return fmt.Errorf("port range %d-%d must lie within 1-65535", s.PortStart, s.PortEnd)
	}
	if s.PortStart > s.PortEnd {
		return fmt.Errorf("%s (%d) must not exceed %s (%d)", KeyPortStart, s.PortStart, KeyPortEnd, s.PortEnd)
	}
	if s.PortEnd-s.PortStart+1 > maxPortRange {
		return fmt.Errorf("port range %d-%d exceeds %d ports", s.PortStart, s.PortEnd, maxPortRange)
	}
	for key, d := range map[string]time.Duration{
		KeyIdleTimeout:     s.IdleTimeout,
		KeyRandomRotation:  s.RandomRotation,
		KeyCleanupInterval: s.CleanupInterval,
		KeyTunnelTimeout:   s.TunnelTimeout,
		KeyTunnelPoll:      s.TunnelPoll,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", key)
		}
	}
	if s.VPNClient == "" || s.SOCKSServer == "" {
		return fmt.Errorf("%s and %s are required", KeyVPNClient, KeySOCKSServer)
	}
	for _, ns := range s.Nameservers {
		if _, err := netip.ParseAddr(ns); err != nil {
			return fmt.Errorf("invalid nameserver %q: %w", ns, err)
		}
	}
	if s.APIAddr != "" {
		if err := validateLoopback(s.APIAddr); err != nil {
			return fmt.Errorf("%s: %w", KeyAPIAddr, err)
		}
	}
	return nil
}

// validateLoopback accepts host:port where host is localhost or a loopback IP.
func validateLoopback(addr string) error {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return err
	}
	if n, err := strconv.Atoi(port); err != nil || n < 0 || n > 65535 {
		return fmt.Errorf("invalid port %q", port)
	}
	if host == "localhost" {
		return nil
	}
	ip, err := netip.ParseAddr(host)
	if err != nil || !ip.IsLoopback() {
		return fmt.Errorf("%q must bind a loopback address", addr)
	}
	return nil
}

// PortCount is the number of ports in the configured range.
func (s Settings) PortCount() int {
	return s.PortEnd - s.PortStart + 1
}

func splitList(raw string) []string {
	fields := strings.FieldsFunc(raw, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\n' || r == '\t'
	})
	out := make([]string, 0, len(fields))
	for _, field := range fields {
		if trimmed := strings.TrimSpace(field); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
