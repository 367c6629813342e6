package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"vpn-netns-proxy/internal/app"
	"vpn-netns-proxy/internal/history"
	"vpn-netns-proxy/internal/proxy"
)

func addCommands(root *cobra.Command) {
	root.AddCommand(
		&cobra.Command{
			Use:   "start <slug|random>",
			Short: "Start (or reuse) a proxy and print its port",
			Args:  cobra.ExactArgs(1),
			RunE: withEnv(func(ctx context.Context, env *app.Env, args []string) error {
				req, err := proxy.ParseRequest(args[0])
				if err != nil {
					return err
				}
				result, err := env.Manager.Start(ctx, req)
				if err != nil {
					return err
				}
				return writeJSON(root.OutOrStdout(), map[string]any{
					"port":    result.Port,
					"slug":    result.VPN.Slug,
					"name":    result.VPN.Name,
					"country": result.VPN.Country,
					"flag":    result.VPN.Flag,
					"reused":  result.Reused,
				})
			}),
		},
		&cobra.Command{
			Use:   "stop <slug>",
			Short: "Stop the proxy bound to a VPN",
			Args:  cobra.ExactArgs(1),
			RunE: withEnv(func(ctx context.Context, env *app.Env, args []string) error {
				if err := env.Manager.Stop(ctx, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(root.OutOrStdout(), "stopped %s\n", args[0])
				return nil
			}),
		},
		&cobra.Command{
			Use:   "stop-all",
			Short: "Destroy every namespace, forward and state file",
			Args:  cobra.NoArgs,
			RunE: withEnv(func(ctx context.Context, env *app.Env, _ []string) error {
				report, err := env.Manager.StopAll(ctx)
				fmt.Fprintf(root.OutOrStdout(), "removed %d namespaces, %d links, %d forward rules\n",
					len(report.Cleanup.Namespaces), len(report.Cleanup.Links), report.Forwards)
				return err
			}),
		},
		&cobra.Command{
			Use:   "get <slug|random>",
			Short: "Print the port of a running proxy",
			Args:  cobra.ExactArgs(1),
			RunE: withEnv(func(ctx context.Context, env *app.Env, args []string) error {
				req, err := proxy.ParseRequest(args[0])
				if err != nil {
					return err
				}
				port, err := env.Manager.Get(ctx, req)
				if err != nil {
					return err
				}
				return writeJSON(root.OutOrStdout(), map[string]any{"slug": req.String(), "port": port})
			}),
		},
		&cobra.Command{
			Use:   "list",
			Short: "List active proxies",
			Args:  cobra.NoArgs,
			RunE: withEnv(func(ctx context.Context, env *app.Env, _ []string) error {
				proxies, err := env.Manager.List(ctx)
				if err != nil {
					return err
				}
				printProxies(root.OutOrStdout(), proxies)
				return nil
			}),
		},
		&cobra.Command{
			Use:   "cleanup",
			Short: "Stop proxies idle past the timeout",
			Args:  cobra.NoArgs,
			RunE: withEnv(func(ctx context.Context, env *app.Env, _ []string) error {
				stopped, err := env.Manager.CleanupIdle(ctx)
				if err != nil {
					return err
				}
				return writeJSON(root.OutOrStdout(), map[string]int{"stopped": stopped})
			}),
		},
		&cobra.Command{
			Use:   "rotate-random",
			Short: "Rotate an expired random selection",
			Args:  cobra.NoArgs,
			RunE: withEnv(func(ctx context.Context, env *app.Env, _ []string) error {
				rot, err := env.Manager.RotateRandom(ctx)
				if err != nil {
					return err
				}
				return writeJSON(root.OutOrStdout(), rot)
			}),
		},
		&cobra.Command{
			Use:   "status",
			Short: "Show proxy, tunnel and kill-switch health",
			Args:  cobra.NoArgs,
			RunE: withEnv(func(ctx context.Context, env *app.Env, _ []string) error {
				st, err := env.Manager.Status(ctx)
				if err != nil {
					return err
				}
				printStatus(root.OutOrStdout(), st, time.Now())
				return nil
			}),
		},
		&cobra.Command{
			Use:   "vpns",
			Short: "List available VPN configs",
			Args:  cobra.NoArgs,
			RunE: withEnv(func(ctx context.Context, env *app.Env, _ []string) error {
				vpns, err := env.Manager.VPNs(ctx)
				if err != nil {
					return err
				}
				return writeJSON(root.OutOrStdout(), vpns)
			}),
		},
		historyCommand(root),
	)
}

func historyCommand(root *cobra.Command) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Print recent proxy events",
		Args:  cobra.NoArgs,
		RunE: withEnv(func(ctx context.Context, env *app.Env, _ []string) error {
			if env.Journal == nil {
				return fmt.Errorf("event journal unavailable")
			}
			events, err := env.Journal.Recent(ctx, limit)
			if err != nil {
				return err
			}
			printHistory(root.OutOrStdout(), events)
			return nil
		}),
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of events")
	return cmd
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printProxies(w io.Writer, proxies []proxy.Proxy) {
	if len(proxies) == 0 {
		fmt.Fprintln(w, "no active proxies")
		return
	}
	for _, p := range proxies {
		fmt.Fprintf(w, "%d\t%s\t%s\tidle %ds\n", p.Port, p.Slug, p.Namespace, p.IdleSeconds)
	}
}

func printStatus(w io.Writer, st proxy.Status, now time.Time) {
	if st.Random != nil {
		remaining := time.Unix(st.Random.ExpiresAt, 0).Sub(now).Round(time.Second)
		if remaining < 0 {
			remaining = 0
		}
		fmt.Fprintf(w, "random: %s (rotates in %s)\n", st.Random.Slug, remaining)
	}
	if len(st.Proxies) == 0 {
		fmt.Fprintln(w, "no active proxies")
		return
	}
	for _, p := range st.Proxies {
		line := fmt.Sprintf("%d\t%s\t%s\tnamespace=%s tunnel=%s killswitch=%s socks=%s",
			p.Port, p.Slug, p.Namespace,
			upDown(p.NamespaceUp), upDown(p.TunnelUp), upDown(p.KillSwitch), upDown(p.SOCKSReady))
		if p.Traffic != nil {
			line += fmt.Sprintf(" rx=%d tx=%d", p.Traffic.RxBytes, p.Traffic.TxBytes)
		}
		fmt.Fprintln(w, line)
	}
}

func printHistory(w io.Writer, events []history.Event) {
	for _, ev := range events {
		line := ev.Time.Local().Format(time.DateTime) + "\t" + string(ev.Kind)
		if ev.Slug != "" {
			line += "\t" + ev.Slug
		}
		if ev.Port != 0 {
			line += "\t:" + strconv.Itoa(ev.Port)
		}
		if ev.Detail != "" {
			line += "\t" + ev.Detail
		}
		fmt.Fprintln(w, line)
	}
}

func upDown(ok bool) string {
	if ok {
		return "up"
	}
	return "down"
}
