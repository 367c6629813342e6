package main

import (
	"fmt"
	"io"
	"net/netip"
	"strconv"

	"github.com/spf13/cobra"

	"vpn-netns-proxy/internal/netns"
)

func addCommands(root *cobra.Command) {
	root.AddCommand(
		&cobra.Command{
			Use:   "create <name> <index> <vpnIp> <vpnPort>",
			Short: "Create a secured namespace allowing only the VPN handshake",
			Args:  cobra.ExactArgs(4),
			RunE: func(cmd *cobra.Command, args []string) error {
				spec, err := parseCreateArgs(args)
				if err != nil {
					return err
				}
				ns, err := prov.Create(spec)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "created %s host=%s ns=%s\n", ns.Name, ns.HostIP, ns.NsIP)
				return nil
			},
		},
		&cobra.Command{
			Use:   "create-direct <name> <index>",
			Short: "Create a namespace without a kill-switch",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				index, err := parseIndex(args[1])
				if err != nil {
					return err
				}
				ns, err := prov.CreateDirect(args[0], index)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "created %s host=%s ns=%s (direct)\n", ns.Name, ns.HostIP, ns.NsIP)
				return nil
			},
		},
		&cobra.Command{
			Use:   "destroy <name>",
			Short: "Kill processes in a namespace and remove it",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				if err := prov.Destroy(args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "destroyed %s\n", args[0])
				return nil
			},
		},
		&cobra.Command{
			Use:   "list",
			Short: "List managed namespaces",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				entries, err := prov.List()
				if err != nil {
					return err
				}
				printEntries(cmd.OutOrStdout(), entries)
				return nil
			},
		},
		&cobra.Command{
			Use:   "check <name>",
			Short: "Report the health of one namespace",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				h, err := prov.Check(args[0])
				if err != nil {
					return err
				}
				printHealth(cmd.OutOrStdout(), h)
				if !h.Exists {
					return fmt.Errorf("namespace %s does not exist", args[0])
				}
				return nil
			},
		},
		&cobra.Command{
			Use:   "cleanup-all",
			Short: "Destroy every managed namespace and orphaned host resource",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				report, err := prov.CleanupAll()
				fmt.Fprintf(cmd.OutOrStdout(), "removed %d namespaces, %d links, %d descriptors, %d nat rules\n",
					len(report.Namespaces), len(report.Links), len(report.Descriptors), report.Rules)
				return err
			},
		},
	)
}

func parseIndex(raw string) (int, error) {
	index, err := strconv.Atoi(raw)
	if err != nil || index < 0 {
		return 0, fmt.Errorf("invalid index %q", raw)
	}
	return index, nil
}

func parseCreateArgs(args []string) (netns.Spec, error) {
	index, err := parseIndex(args[1])
	if err != nil {
		return netns.Spec{}, err
	}
	ip, err := netip.ParseAddr(args[2])
	if err != nil || !ip.Is4() {
		return netns.Spec{}, fmt.Errorf("invalid vpn server address %q", args[2])
	}
	port, err := strconv.ParseUint(args[3], 10, 16)
	if err != nil || port == 0 {
		return netns.Spec{}, fmt.Errorf("invalid vpn server port %q", args[3])
	}
	return netns.Spec{
		Name:   args[0],
		Index:  index,
		Server: netip.AddrPortFrom(ip, uint16(port)),
	}, nil
}

func printEntries(w io.Writer, entries []netns.Entry) {
	if len(entries) == 0 {
		fmt.Fprintln(w, "no managed namespaces")
		return
	}
	for _, e := range entries {
		if e.Descriptor == nil {
			fmt.Fprintf(w, "%s\t(no descriptor)\n", e.Name)
			continue
		}
		d := e.Descriptor
		fmt.Fprintf(w, "%s\t%s\t%s\tvpn=%s:%d\tsocks=%d\n", e.Name, d.HostVeth, d.NsIP, d.VPNServerIP, d.VPNServerPort, d.SOCKSPort)
	}
}

func printHealth(w io.Writer, h netns.Health) {
	fmt.Fprintf(w, "%s: %s\n", h.Name, h.Phase())
	fmt.Fprintf(w, "  exists:      %v\n", h.Exists)
	fmt.Fprintf(w, "  host veth:   %v\n", h.HostVethUp)
	fmt.Fprintf(w, "  tunnel:      %v\n", h.TunnelUp)
	fmt.Fprintf(w, "  kill-switch: %v\n", h.KillSwitch)
	if h.Descriptor != nil {
		fmt.Fprintf(w, "  address:     %s\n", h.Descriptor.NsIP)
	}
}
