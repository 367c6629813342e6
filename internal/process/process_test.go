package process

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

type fakeSpawner struct {
	runCalls   []string
	startCalls []string
	runErr     error
	startPID   int
	onRun      func()
}

func (f *fakeSpawner) Run(_ context.Context, name string, args []string) error {
	f.runCalls = append(f.runCalls, name+" "+strings.Join(args, " "))
	if f.onRun != nil {
		f.onRun()
	}
	return f.runErr
}

func (f *fakeSpawner) Start(name string, args []string, _ string) (int, error) {
	f.startCalls = append(f.startCalls, name+" "+strings.Join(args, " "))
	return f.startPID, nil
}

func TestRunDaemonizingWaitsForPIDFile(t *testing.T) {
	pidFile := filepath.Join(t.TempDir(), "client.pid")
	spawner := &fakeSpawner{onRun: func() {
		go func() {
			time.Sleep(20 * time.Millisecond)
			_ = os.WriteFile(pidFile, []byte("4242\n"), 0o644)
		}()
	}}
	p := New(Spec{Name: "openvpn", Args: []string{"--daemon"}, Namespace: "vpnns0", PIDFile: pidFile}, spawner)

	if err := p.RunDaemonizing(context.Background(), 5*time.Millisecond, time.Second); err != nil {
		t.Fatalf("RunDaemonizing failed: %v", err)
	}
	if p.State() != PIDKnown || p.PID() != 4242 {
		t.Fatalf("expected pid-known 4242, got %s %d", p.State(), p.PID())
	}
	if len(spawner.runCalls) != 1 || spawner.runCalls[0] != "ip netns exec vpnns0 openvpn --daemon" {
		t.Fatalf("unexpected run calls %#v", spawner.runCalls)
	}
}

func TestRunDaemonizingTimesOutWithoutPIDFile(t *testing.T) {
	pidFile := filepath.Join(t.TempDir(), "client.pid")
	p := New(Spec{Name: "openvpn", PIDFile: pidFile}, &fakeSpawner{})

	err := p.RunDaemonizing(context.Background(), 5*time.Millisecond, 30*time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if p.State() != Exited {
		t.Fatalf("expected exited state, got %s", p.State())
	}
}

func TestRunDaemonizingPropagatesRunError(t *testing.T) {
	p := New(Spec{Name: "openvpn", PIDFile: filepath.Join(t.TempDir(), "x.pid")}, &fakeSpawner{runErr: errors.New("exit 1")})
	if err := p.RunDaemonizing(context.Background(), time.Millisecond, 10*time.Millisecond); err == nil {
		t.Fatalf("expected error")
	}
	if p.State() != Exited {
		t.Fatalf("expected exited state, got %s", p.State())
	}
}

func TestStartBackgroundAndAlive(t *testing.T) {
	spawner := &fakeSpawner{startPID: 77}
	p := New(Spec{Name: "microsocks", Args: []string{"-i", "10.200.1.2", "-p", "10800"}, Namespace: "vpnns0"}, spawner)
	if p.State() != Starting {
		t.Fatalf("expected starting state, got %s", p.State())
	}
	if err := p.StartBackground(); err != nil {
		t.Fatalf("StartBackground failed: %v", err)
	}
	if p.State() != Running || p.PID() != 77 {
		t.Fatalf("expected running 77, got %s %d", p.State(), p.PID())
	}

	alive := true
	p.signal = func(pid int, sig syscall.Signal) error {
		if alive {
			return nil
		}
		return unix.ESRCH
	}
	if !p.Alive() {
		t.Fatalf("expected process to be alive")
	}
	alive = false
	if p.Alive() || p.State() != Exited {
		t.Fatalf("expected exited after failed probe, got %s", p.State())
	}
}

func TestPollStopsOnProbeError(t *testing.T) {
	want := errors.New("probe broke")
	err := Poll(context.Background(), time.Millisecond, time.Second, func(context.Context) (bool, error) {
		return false, want
	})
	if !errors.Is(err, want) {
		t.Fatalf("expected probe error, got %v", err)
	}
}

func TestPollHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Poll(ctx, time.Millisecond, time.Second, func(context.Context) (bool, error) { return false, nil })
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
}
