package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"vpn-netns-proxy/internal/app"
	"vpn-netns-proxy/internal/netns"
	"vpn-netns-proxy/internal/settings"
	"vpn-netns-proxy/internal/version"
)

var (
	v    = settings.New()
	prov *netns.Provisioner
)

var rootCmd = &cobra.Command{
	Use:     "vpnns",
	Short:   "Create, inspect and destroy VPN network namespaces",
	Version: version.For("vpnns").String(),

	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		s, err := app.LoadSettings(cmd, v)
		if err != nil {
			return err
		}
		prov = netns.New(netns.Config{
			StateDir:    s.StateDir,
			Nameservers: s.Nameservers,
			Logger:      app.Logger(s).Named("vpnns"),
		})
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
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
