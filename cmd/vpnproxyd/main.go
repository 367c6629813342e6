package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"vpn-netns-proxy/internal/app"
	"vpn-netns-proxy/internal/auth"
	"vpn-netns-proxy/internal/daemon"
	"vpn-netns-proxy/internal/server"
	"vpn-netns-proxy/internal/settings"
	"vpn-netns-proxy/internal/systemd"
	"vpn-netns-proxy/internal/version"
)

var (
	v   = settings.New()
	cfg settings.Settings
)

var rootCmd = &cobra.Command{
	Use:     "vpnproxyd",
	Short:   "Reap idle VPN proxies and rotate the random selection",
	Version: version.For("vpnproxyd").String(),

	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		loaded, err := app.LoadSettings(cmd, v)
		if err != nil {
			return err
		}
		cfg = loaded
		return nil
	},
	RunE: func(cmd *cobra.Command, _ []string) error {
		return run(cmd.Context())
	},
}

func init() {
	if err := app.BindFlags(rootCmd, v); err != nil {
		panic(err)
	}
	rootCmd.PersistentFlags().String("api-addr", "", "loopback address for the control API (empty disables it)")
	if err := v.BindPFlag(settings.KeyAPIAddr, rootCmd.PersistentFlags().Lookup("api-addr")); err != nil {
		panic(err)
	}
	rootCmd.AddCommand(
		&cobra.Command{
			Use:   "run",
			Short: "Run the cleanup loop (default)",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return run(cmd.Context())
			},
		},
		&cobra.Command{
			Use:   "install-unit",
			Short: "Install and enable the systemd unit",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				exe, err := os.Executable()
				if err != nil {
					return err
				}
				if resolved, err := filepath.EvalSymlinks(exe); err == nil {
					exe = resolved
				}
				content, err := systemd.DaemonUnitContent(systemd.UnitOptions{
					ExecPath:    exe,
					Environment: unitEnvironment(cfg),
				})
				if err != nil {
					return err
				}
				units := systemd.NewManager()
				if err := units.Install(systemd.DaemonUnit, content); err != nil {
					return err
				}
				path, _ := units.UnitPath(systemd.DaemonUnit)
				fmt.Fprintf(cmd.OutOrStdout(), "installed %s\n", path)
				return nil
			},
		},
		&cobra.Command{
			Use:   "uninstall-unit",
			Short: "Stop, disable and remove the systemd unit",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				if err := systemd.NewManager().Uninstall(systemd.DaemonUnit); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", systemd.DaemonUnit)
				return nil
			},
		},
	)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	env, err := app.Open(cfg)
	if err != nil {
		return err
	}
	defer env.Close()
	log := env.Logs.Named("daemon")

	var pruner daemon.Pruner
	if env.Journal != nil {
		pruner = env.Journal
	}
	d, err := daemon.New(env.Manager, pruner, cfg.CleanupInterval, log)
	if err != nil {
		return err
	}

	var httpServer *http.Server
	if cfg.APIAddr != "" {
		httpServer, err = apiServer(env, d)
		if err != nil {
			return err
		}
		go func() {
			log.Infof("control API listening on %s", cfg.APIAddr)
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Errorf("http server error: %v", err)
			}
		}()
	}

	err = d.Run(ctx)
	if httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if serr := httpServer.Shutdown(shutdownCtx); serr != nil {
			log.Warnf("graceful shutdown error: %v", serr)
		}
	}
	return err
}

func apiServer(env *app.Env, d *daemon.Daemon) (*http.Server, error) {
	tokens := auth.NewManager(cfg.StateDir)
	token, created, err := tokens.EnsureToken()
	if err != nil {
		return nil, fmt.Errorf("api token: %w", err)
	}
	if created {
		fmt.Fprintf(os.Stderr, "control API token (shown once): %s\n", token)
	}

	opts := server.Options{
		Proxies:   env.Manager,
		Serialize: d.Do,
		Auth:      tokens.Middleware,
	}
	if env.Journal != nil {
		opts.History = env.Journal
	}
	srv, err := server.New(opts)
	if err != nil {
		return nil, err
	}
	return &http.Server{
		Addr:         cfg.APIAddr,
		Handler:      srv.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 2*cfg.TunnelTimeout + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}, nil
}

func unitEnvironment(s settings.Settings) map[string]string {
	seconds := func(d time.Duration) string { return strconv.Itoa(int(d / time.Second)) }
	values := map[string]string{
		settings.KeyVPNDir:          s.VPNDir,
		settings.KeyStateDir:        s.StateDir,
		settings.KeyPortStart:       strconv.Itoa(s.PortStart),
		settings.KeyPortEnd:         strconv.Itoa(s.PortEnd),
		settings.KeyIdleTimeout:     seconds(s.IdleTimeout),
		settings.KeyRandomRotation:  seconds(s.RandomRotation),
		settings.KeyCleanupInterval: seconds(s.CleanupInterval),
		settings.KeyTunnelTimeout:   seconds(s.TunnelTimeout),
		settings.KeyTunnelPoll:      strconv.Itoa(int(s.TunnelPoll / time.Millisecond)),
		settings.KeyVPNClient:       s.VPNClient,
		settings.KeySOCKSServer:     s.SOCKSServer,
		settings.KeyNameservers:     strings.Join(s.Nameservers, ","),
		settings.KeyAPIAddr:         s.APIAddr,
		settings.KeyLogLevel:        s.LogLevel,
		settings.KeyDiagLog:         s.DiagLogPath,
		settings.KeyNotify:          "false",
	}
	env := make(map[string]string, len(values))
	for key, value := range values {
		if value == "" {
			continue
		}
		env[settings.EnvPrefix+"_"+strings.ToUpper(key)] = value
	}
	return env
}
