package proxy

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"vpn-netns-proxy/internal/catalog"
	"vpn-netns-proxy/internal/netns"
	"vpn-netns-proxy/internal/process"
)

// Launcher starts the helper processes inside a namespace.
type Launcher interface {
	// StartClient runs the VPN client and returns its pid once known.
	StartClient(ctx context.Context, ns netns.Namespace, vpn catalog.VPN) (int, error)
	// StartSOCKS starts the SOCKS5 server on the namespace address.
	StartSOCKS(ctx context.Context, ns netns.Namespace, port int) (int, error)
	// Alive reports whether pid still runs.
	Alive(pid int) bool
}

// ProcessLauncher runs openvpn and the SOCKS server as managed processes.
type ProcessLauncher struct {
	clientBin  string
	socksBin   string
	runDir     string
	pidPoll    time.Duration
	pidTimeout time.Duration
	spawner    process.Spawner
}

// LauncherConfig configures a ProcessLauncher.
type LauncherConfig struct {
	VPNClient   string
	SOCKSServer string
	// RunDir holds pid and log files.
	RunDir     string
	PIDPoll    time.Duration
	PIDTimeout time.Duration
}

// NewProcessLauncher returns a launcher spawning real processes.
func NewProcessLauncher(cfg LauncherConfig) *ProcessLauncher {
	return &ProcessLauncher{
		clientBin:  cfg.VPNClient,
		socksBin:   cfg.SOCKSServer,
		runDir:     cfg.RunDir,
		pidPoll:    cfg.PIDPoll,
		pidTimeout: cfg.PIDTimeout,
		spawner:    process.OSSpawner{},
	}
}

func (l *ProcessLauncher) StartClient(ctx context.Context, ns netns.Namespace, vpn catalog.VPN) (int, error) {
	if err := os.MkdirAll(l.runDir, 0o755); err != nil {
		return 0, err
	}
	pidFile := filepath.Join(l.runDir, ns.Name+"-client.pid")
	// DNS is blocked until the tunnel is up, so the resolved remote goes first.
	args := []string{
		"--remote", vpn.ServerIP.String(), strconv.Itoa(vpn.ServerPort), vpn.Protocol,
		"--config", vpn.Path,
		"--dev", netns.TunnelInterface,
		"--daemon",
		"--writepid", pidFile,
		"--log", filepath.Join(l.runDir, ns.Name+"-client.log"),
	}
	p := process.New(process.Spec{Name: l.clientBin, Args: args, Namespace: ns.Name, PIDFile: pidFile}, l.spawner)
	if err := p.RunDaemonizing(ctx, l.pidPoll, l.pidTimeout); err != nil {
		return 0, err
	}
	return p.PID(), nil
}

func (l *ProcessLauncher) StartSOCKS(_ context.Context, ns netns.Namespace, port int) (int, error) {
	if err := os.MkdirAll(l.runDir, 0o755); err != nil {
		return 0, err
	}
	p := process.New(process.Spec{
		Name:      l.socksBin,
		Args:      []string{"-i", ns.NsIP.String(), "-p", strconv.Itoa(port)},
		Namespace: ns.Name,
		LogPath:   filepath.Join(l.runDir, ns.Name+"-socks.log"),
	}, l.spawner)
	if err := p.StartBackground(); err != nil {
		return 0, fmt.Errorf("socks server: %w", err)
	}
	return p.PID(), nil
}

func (l *ProcessLauncher) Alive(pid int) bool {
	return process.Adopt(pid).Alive()
}
