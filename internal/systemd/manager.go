// Package systemd installs and removes the vpnproxyd service unit.
package systemd

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

// DaemonUnit is the unit name of the cleanup daemon.
const DaemonUnit = "vpnproxyd.service"

var unitNamePattern = regexp.MustCompile(`^[A-Za-z0-9_.-]+\.service$`)

// CommandRunner abstracts process execution for testability.
type CommandRunner interface {
	Run(name string, args ...string) error
	Output(name string, args ...string) ([]byte, error)
}

type execRunner struct{}

func (execRunner) Run(name string, args ...string) error {
	return exec.Command(name, args...).Run()
}

func (execRunner) Output(name string, args ...string) ([]byte, error) {
	return exec.Command(name, args...).CombinedOutput()
}

// Manager writes units into the systemd directory and drives systemctl.
type Manager struct {
	systemdDir string
	runner     CommandRunner
}

// NewManager returns a manager for /etc/systemd/system.
func NewManager() *Manager {
	return NewManagerWithDeps("/etc/systemd/system", nil)
}

// NewManagerWithDeps returns a manager with a custom directory and runner.
func NewManagerWithDeps(systemdDir string, runner CommandRunner) *Manager {
	if runner == nil {
		runner = execRunner{}
	}
	return &Manager{systemdDir: systemdDir, runner: runner}
}

// UnitPath returns where unitName is written.
func (m *Manager) UnitPath(unitName string) (string, error) {
	resolved, err := normalizeUnitName(unitName)
	if err != nil {
		return "", err
	}
	return filepath.Join(m.systemdDir, resolved), nil
}

// Install writes the unit, reloads systemd and enables and starts it.
func (m *Manager) Install(unitName, content string) error {
	resolved, err := normalizeUnitName(unitName)
	if err != nil {
		return err
	}
	if strings.TrimSpace(content) == "" {
		return fmt.Errorf("unit content must not be empty")
	}
	if err := os.MkdirAll(m.systemdDir, 0o755); err != nil {
		return err
	}
	if err := writeFileAtomic(filepath.Join(m.systemdDir, resolved), []byte(content), 0o644); err != nil {
		return err
	}
	if err := m.daemonReload(); err != nil {
		return err
	}
	return m.runSystemctl("enable", "--now", resolved)
}

// Uninstall stops and disables the unit, removes its file and reloads systemd.
// Stop and disable failures are tolerated so a half-installed unit can be removed.
func (m *Manager) Uninstall(unitName string) error {
	resolved, err := normalizeUnitName(unitName)
	if err != nil {
		return err
	}
	_ = m.runSystemctl("disable", "--now", resolved)
	if err := os.Remove(filepath.Join(m.systemdDir, resolved)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return m.daemonReload()
}

// Status runs `systemctl is-active <unit>` and returns the resulting state string.
func (m *Manager) Status(unitName string) (string, error) {
	resolved, err := normalizeUnitName(unitName)
	if err != nil {
		return "", err
	}
	out, runErr := m.runner.Output("systemctl", "is-active", resolved)
	status := strings.TrimSpace(string(out))
	if runErr != nil {
		return status, fmt.Errorf("systemctl is-active %s: %w", resolved, runErr)
	}
	return status, nil
}

func (m *Manager) runSystemctl(args ...string) error {
	if err := m.runner.Run("systemctl", args...); err != nil {
		return fmt.Errorf("systemctl %s: %w", strings.Join(args, " "), err)
	}
	return nil
}

func (m *Manager) daemonReload() error {
	return m.runSystemctl("daemon-reload")
}

// UnitOptions parameterises the daemon unit.
type UnitOptions struct {
	ExecPath    string
	Environment map[string]string
}

// DaemonUnitContent renders the vpnproxyd unit.
func DaemonUnitContent(opts UnitOptions) (string, error) {
	execPath := strings.TrimSpace(opts.ExecPath)
	if execPath == "" || !filepath.IsAbs(execPath) {
		return "", fmt.Errorf("daemon executable must be an absolute path, got %q", opts.ExecPath)
	}
	var b strings.Builder
	b.WriteString("[Unit]\n")
	b.WriteString("Description=VPN namespace SOCKS proxy cleanup daemon\n")
	b.WriteString("After=network-online.target\n")
	b.WriteString("Wants=network-online.target\n\n")
	b.WriteString("[Service]\n")
	b.WriteString("Type=simple\n")
	fmt.Fprintf(&b, "ExecStart=%s run\n", execPath)

	keys := make([]string, 0, len(opts.Environment))
	for key := range opts.Environment {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		fmt.Fprintf(&b, "Environment=%q\n", key+"="+opts.Environment[key])
	}
	b.WriteString("Restart=on-failure\n")
	b.WriteString("RestartSec=5\n")
	b.WriteString("KillMode=process\n\n")
	b.WriteString("[Install]\n")
	b.WriteString("WantedBy=multi-user.target\n")
	return b.String(), nil
}

func normalizeUnitName(unitName string) (string, error) {
	trimmed := strings.TrimSpace(unitName)
	if trimmed == "" {
		return "", fmt.Errorf("unit name is required")
	}
	if !strings.HasSuffix(trimmed, ".service") {
		trimmed += ".service"
	}
	if filepath.Base(trimmed) != trimmed || !unitNamePattern.MatchString(trimmed) {
		return "", fmt.Errorf("invalid unit name %q", unitName)
	}
	return trimmed, nil
}

func writeFileAtomic(path string, content []byte, mode os.FileMode) error {
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, content, mode); err != nil {
		return err
	}
	if err := os.Chmod(tmpPath, mode); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	return nil
}
