package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"vpn-netns-proxy/internal/app"
	"vpn-netns-proxy/internal/settings"
	"vpn-netns-proxy/internal/version"
)

var (
	v   = settings.New()
	cfg settings.Settings
)

var rootCmd = &cobra.Command{
	Use:     "vpnproxy",
	Short:   "Expose VPN configs as per-namespace SOCKS5 proxies",
	Version: version.For("vpnproxy").String(),

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
}

func init() {
	if err := app.BindFlags(rootCmd, v); err != nil {
		panic(err)
	}
	addCommands(rootCmd)
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

// withEnv opens the proxy stack for the duration of fn.
func withEnv(fn func(ctx context.Context, env *app.Env, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		env, err := app.Open(cfg)
		if err != nil {
			return err
		}
		defer env.Close()
		return fn(cmd.Context(), env, args)
	}
}
