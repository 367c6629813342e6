// Package app wires settings, logging and the proxy stack for the binaries.
package app

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"vpn-netns-proxy/internal/catalog"
	"vpn-netns-proxy/internal/diaglog"
	"vpn-netns-proxy/internal/history"
	"vpn-netns-proxy/internal/netns"
	"vpn-netns-proxy/internal/notify"
	"vpn-netns-proxy/internal/proxy"
	"vpn-netns-proxy/internal/settings"
	"vpn-netns-proxy/internal/stats"
)

const (
	catalogCacheFile = "catalog-cache.json"
	historyFile      = "history.db"
	runDirName       = "run"
)

// flagKeys maps persistent flags to settings keys.
var flagKeys = map[string]string{
	"vpn-dir":    settings.KeyVPNDir,
	"state-dir":  settings.KeyStateDir,
	"port-start": settings.KeyPortStart,
	"port-end":   settings.KeyPortEnd,
	"log-level":  settings.KeyLogLevel,
}

// BindFlags registers the shared persistent flags on cmd and binds them into v.
// The --config flag is applied by LoadSettings.
func BindFlags(cmd *cobra.Command, v *viper.Viper) error {
	flags := cmd.PersistentFlags()
	flags.String("config", "", "config file (default /etc/vpn-netns-proxy/config.yaml)")
	flags.String("vpn-dir", "", "directory holding .ovpn/.conf files")
	flags.String("state-dir", "", "directory for state files")
	flags.Int("port-start", 0, "first SOCKS port")
	flags.Int("port-end", 0, "last SOCKS port")
	flags.String("log-level", "", "diagnostics level (debug, info, warn, error)")
	for flag, key := range flagKeys {
		if err := v.BindPFlag(key, flags.Lookup(flag)); err != nil {
			return fmt.Errorf("bind --%s: %w", flag, err)
		}
	}
	return nil
}

// LoadSettings resolves settings, honouring an explicit --config file.
func LoadSettings(cmd *cobra.Command, v *viper.Viper) (settings.Settings, error) {
	if f := cmd.Flags().Lookup("config"); f != nil {
		if path := strings.TrimSpace(f.Value.String()); path != "" {
			v.SetConfigFile(path)
		}
	}
	return settings.Load(v)
}

// Logger opens the diagnostics log. An unwritable file leaves only the console
// mirror.
func Logger(s settings.Settings) *diaglog.Manager {
	logs := diaglog.New(s.DiagLogPath)
	if err := logs.Configure(true, s.LogLevel); err != nil {
		_ = logs.Configure(false, s.LogLevel)
		fmt.Fprintf(os.Stderr, "warn: diagnostics log disabled: %v\n", err)
	}
	return logs
}

// Env is a fully wired proxy stack.
type Env struct {
	Settings    settings.Settings
	Logs        *diaglog.Manager
	Catalog     *catalog.Catalog
	Provisioner *netns.Provisioner
	Manager     *proxy.Manager
	Journal     *history.Store
}

// Open builds the stack from s. The journal is optional: failing to open it is
// logged and the stack runs without one.
func Open(s settings.Settings) (*Env, error) {
	logs := Logger(s)
	env := &Env{Settings: s, Logs: logs}

	env.Catalog = catalog.New(s.VPNDir, catalog.Options{
		CachePath: filepath.Join(s.StateDir, catalogCacheFile),
		Resolver:  catalog.NewDNSResolver(s.Nameservers),
		Logger:    logs.Named("catalog"),
	})
	env.Provisioner = netns.New(netns.Config{
		StateDir:    s.StateDir,
		Nameservers: s.Nameservers,
		Logger:      logs.Named("netns"),
	})

	journal, err := history.Open(filepath.Join(s.StateDir, historyFile))
	if err != nil {
		logs.Warnf("event journal unavailable: %v", err)
	} else {
		env.Journal = journal
	}

	var notifier notify.Notifier = notify.Discard{}
	if s.Notify {
		notifier = notify.NewDesktop()
	}

	deps := proxy.Deps{
		Store:       proxy.NewStore(s.StateDir),
		Catalog:     env.Catalog,
		Provisioner: env.Provisioner,
		Launcher: proxy.NewProcessLauncher(proxy.LauncherConfig{
			VPNClient:   s.VPNClient,
			SOCKSServer: s.SOCKSServer,
			RunDir:      filepath.Join(s.StateDir, runDirName),
			PIDPoll:     s.TunnelPoll,
			PIDTimeout:  s.TunnelTimeout,
		}),
		Forwarder: proxy.NewIPTablesForwarder(netns.NewOSExecutor()),
		Notifier:  notifier,
		Traffic:   stats.NewReader(),
		Logger:    logs.Named("proxy"),
	}
	if env.Journal != nil {
		deps.Journal = env.Journal
	}
	env.Manager, err = proxy.NewManager(proxy.Config{
		PortStart:      s.PortStart,
		PortEnd:        s.PortEnd,
		IdleTimeout:    s.IdleTimeout,
		RandomRotation: s.RandomRotation,
		TunnelTimeout:  s.TunnelTimeout,
		TunnelPoll:     s.TunnelPoll,
	}, deps)
	if err != nil {
		env.Close()
		return nil, err
	}
	return env, nil
}

// Close releases the journal and the log file.
func (e *Env) Close() {
	if e.Journal != nil {
		_ = e.Journal.Close()
	}
	if e.Logs != nil {
		_ = e.Logs.Close()
	}
}
