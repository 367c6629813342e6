// Package process supervises the external helpers run inside a namespace: the
// self-daemonizing VPN client and the long-lived SOCKS server.
package process

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// State is the lifecycle position of a ManagedProcess.
type State int

const (
	Starting State = iota
	Running
	PIDKnown
	Exited
)

func (s State) String() string {
	switch s {
	case Starting:
		return "starting"
	case Running:
		return "running"
	case PIDKnown:
		return "pid-known"
	case Exited:
		return "exited"
	default:
		return "unknown"
	}
}

// Spec describes a command to supervise.
type Spec struct {
	Name string
	Args []string
	// Namespace, when set, runs the command via "ip netns exec".
	Namespace string
	// PIDFile is where a self-daemonizing command records its pid.
	PIDFile string
	// LogPath receives stdout and stderr of background commands.
	LogPath string
}

func (s Spec) argv() (string, []string) {
	if s.Namespace == "" {
		return s.Name, s.Args
	}
	args := append([]string{"netns", "exec", s.Namespace, s.Name}, s.Args...)
	return "ip", args
}

func (s Spec) String() string {
	name, args := s.argv()
	return strings.TrimSpace(name + " " + strings.Join(args, " "))
}

// Spawner runs commands on behalf of a ManagedProcess.
type Spawner interface {
	// Run executes the command to completion.
	Run(ctx context.Context, name string, args []string) error
	// Start launches the command detached and returns its pid.
	Start(name string, args []string, logPath string) (int, error)
}

// ManagedProcess tracks one external process through its lifecycle.
type ManagedProcess struct {
	spec    Spec
	spawner Spawner
	signal  func(pid int, sig syscall.Signal) error

	mu    sync.Mutex
	state State
	pid   int
}

// New prepares a process that has not been started.
func New(spec Spec, spawner Spawner) *ManagedProcess {
	if spawner == nil {
		spawner = OSSpawner{}
	}
	return &ManagedProcess{spec: spec, spawner: spawner, signal: unix.Kill, state: Starting}
}

// Adopt wraps an already running process known only by pid.
func Adopt(pid int) *ManagedProcess {
	p := New(Spec{}, nil)
	p.pid = pid
	p.state = PIDKnown
	return p
}

// State returns the last observed state.
func (p *ManagedProcess) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// PID returns the known pid or 0.
func (p *ManagedProcess) PID() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pid
}

// RunDaemonizing runs a command that forks itself into the background, then waits
// up to timeout for its pid file to name a pid.
func (p *ManagedProcess) RunDaemonizing(ctx context.Context, interval, timeout time.Duration) error {
	if p.spec.PIDFile == "" {
		return errors.New("daemonizing process needs a pid file")
	}
	_ = os.Remove(p.spec.PIDFile)

	name, args := p.spec.argv()
	if err := p.spawner.Run(ctx, name, args); err != nil {
		p.setExited()
		return fmt.Errorf("run %s: %w", p.spec.Name, err)
	}

	var pid int
	err := Poll(ctx, interval, timeout, func(context.Context) (bool, error) {
		found, err := ReadPIDFile(p.spec.PIDFile)
		if err != nil {
			return false, nil
		}
		pid = found
		return true, nil
	})
	if err != nil {
		p.setExited()
		return fmt.Errorf("wait for %s pid file: %w", p.spec.Name, err)
	}

	p.mu.Lock()
	p.pid = pid
	p.state = PIDKnown
	p.mu.Unlock()
	return nil
}

// StartBackground launches a long-lived command and releases it.
func (p *ManagedProcess) StartBackground() error {
	name, args := p.spec.argv()
	pid, err := p.spawner.Start(name, args, p.spec.LogPath)
	if err != nil {
		p.setExited()
		return fmt.Errorf("start %s: %w", p.spec.Name, err)
	}
	p.mu.Lock()
	p.pid = pid
	p.state = Running
	p.mu.Unlock()
	return nil
}

// Alive probes the process with signal 0 and records an exit.
func (p *ManagedProcess) Alive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pid <= 0 || p.state == Exited {
		return false
	}
	err := p.signal(p.pid, 0)
	if err == nil || errors.Is(err, unix.EPERM) {
		return true
	}
	p.state = Exited
	return false
}

func (p *ManagedProcess) setExited() {
	p.mu.Lock()
	p.state = Exited
	p.mu.Unlock()
}

// ReadPIDFile parses a pid file written by a daemon.
func ReadPIDFile(path string) (int, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("invalid pid file %s", path)
	}
	return pid, nil
}

// OSSpawner runs real commands.
type OSSpawner struct{}

func (OSSpawner) Run(ctx context.Context, name string, args []string) error {
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s %s: %w (%s)", name, strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return nil
}

func (OSSpawner) Start(name string, args []string, logPath string) (int, error) {
	cmd := exec.Command(name, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if logPath != "" {
		logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return 0, err
		}
		defer logFile.Close()
		cmd.Stdout = logFile
		cmd.Stderr = logFile
	}
	if err := cmd.Start(); err != nil {
		return 0, err
	}
	pid := cmd.Process.Pid
	if err := cmd.Process.Release(); err != nil {
		return pid, err
	}
	return pid, nil
}
