// Package diaglog writes leveled diagnostic lines to a persistent file and mirrors
// warnings and errors to the console.
package diaglog

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Level controls diagnostic log verbosity.
type Level int

const (
	// LevelDebug emits all diagnostic entries.
	LevelDebug Level = iota
	// LevelInfo emits info, warn, error.
	LevelInfo
	// LevelWarn emits warn, error.
	LevelWarn
	// LevelError emits only errors.
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Logger is the logging surface other packages depend on.
type Logger interface {
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

// Manager writes diagnostic logs to a file and an optional console writer.
type Manager struct {
	path    string
	mu      sync.Mutex
	enabled bool
	level   Level
	file    *os.File

	console      io.Writer
	consoleLevel Level
	now          func() time.Time
}

// New creates a diagnostics logger writing to path once enabled. Warnings and
// errors are mirrored to stderr.
func New(path string) *Manager {
	return &Manager{
		path:         strings.TrimSpace(path),
		level:        LevelInfo,
		console:      os.Stderr,
		consoleLevel: LevelWarn,
		now:          time.Now,
	}
}

// Configure updates runtime logging controls.
func (m *Manager) Configure(enabled bool, levelRaw string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.level = ParseLevel(levelRaw)
	m.enabled = enabled
	if !enabled {
		if m.file != nil {
			_ = m.file.Close()
			m.file = nil
		}
		return nil
	}
	return m.ensureFileLocked()
}

// SetConsole replaces the console mirror; a nil writer disables it.
func (m *Manager) SetConsole(w io.Writer, min Level) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.console = w
	m.consoleLevel = min
}

// Close closes the diagnostics file descriptor.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.file == nil {
		return nil
	}
	err := m.file.Close()
	m.file = nil
	return err
}

func (m *Manager) Debugf(format string, args ...any) { m.logf(LevelDebug, "", format, args...) }
func (m *Manager) Infof(format string, args ...any)  { m.logf(LevelInfo, "", format, args...) }
func (m *Manager) Warnf(format string, args ...any)  { m.logf(LevelWarn, "", format, args...) }
func (m *Manager) Errorf(format string, args ...any) { m.logf(LevelError, "", format, args...) }

// Named returns a Logger whose lines carry a component prefix.
func (m *Manager) Named(component string) Logger {
	return &scoped{m: m, component: strings.TrimSpace(component)}
}

type scoped struct {
	m         *Manager
	component string
}

func (s *scoped) Debugf(format string, args ...any) { s.m.logf(LevelDebug, s.component, format, args...) }
func (s *scoped) Infof(format string, args ...any)  { s.m.logf(LevelInfo, s.component, format, args...) }
func (s *scoped) Warnf(format string, args ...any)  { s.m.logf(LevelWarn, s.component, format, args...) }
func (s *scoped) Errorf(format string, args ...any) { s.m.logf(LevelError, s.component, format, args...) }

func (m *Manager) logf(level Level, component string, format string, args ...any) {
	m.mu.Lock()
	defer m.mu.Unlock()

	message := fmt.Sprintf(format, args...)
	if component != "" {
		message = component + ": " + message
	}

	if m.console != nil && level >= m.consoleLevel {
		_, _ = fmt.Fprintf(m.console, "%s: %s\n", strings.ToLower(level.String()), message)
	}

	if !m.enabled || level < m.level {
		return
	}
	if err := m.ensureFileLocked(); err != nil || m.file == nil {
		return
	}
	line := fmt.Sprintf("%s [%s] %s\n", m.now().UTC().Format(time.RFC3339), level, message)
	_, _ = m.file.WriteString(line)
}

func (m *Manager) ensureFileLocked() error {
	if m.path == "" || m.file != nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(m.path), 0o755); err != nil {
		return err
	}
	file, err := os.OpenFile(m.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	m.file = file
	return nil
}

// ParseLevel maps a level name to a Level, defaulting to LevelInfo.
func ParseLevel(raw string) Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// Discard is a Logger that drops everything.
var Discard Logger = discard{}

type discard struct{}

func (discard) Debugf(string, ...any) {}
func (discard) Infof(string, ...any)  {}
func (discard) Warnf(string, ...any)  {}
func (discard) Errorf(string, ...any) {}
