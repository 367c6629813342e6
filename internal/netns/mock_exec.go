package netns

import (
	"errors"
	"strings"
	"sync"
)

// MockExec is a deterministic executor used by unit tests.
type MockExec struct {
	mu sync.Mutex

	RunCalls    [][]string
	OutputCalls [][]string

	RunErrors    map[string]error
	OutputErrors map[string]error
	Outputs      map[string][]byte
}

func (m *MockExec) Run(name string, args ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	call := append([]string{name}, args...)
	m.RunCalls = append(m.RunCalls, call)
	if err, ok := m.RunErrors[strings.Join(call, " ")]; ok {
		return err
	}
	return nil
}

func (m *MockExec) Output(name string, args ...string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	call := append([]string{name}, args...)
	m.OutputCalls = append(m.OutputCalls, call)
	key := strings.Join(call, " ")
	out := m.Outputs[key]
	if err, ok := m.OutputErrors[key]; ok {
		return out, err
	}
	if out == nil {
		return nil, errors.New("mock output not configured")
	}
	return out, nil
}

// SetOutput configures the output for a joined command line.
func (m *MockExec) SetOutput(command string, out string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Outputs == nil {
		m.Outputs = make(map[string][]byte)
	}
	m.Outputs[command] = []byte(out)
}

// Ran reports whether a joined command line was passed to Run.
func (m *MockExec) Ran(command string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, call := range m.RunCalls {
		if strings.Join(call, " ") == command {
			return true
		}
	}
	return false
}

// RunLines returns every Run call joined with spaces.
func (m *MockExec) RunLines() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	lines := make([]string, 0, len(m.RunCalls))
	for _, call := range m.RunCalls {
		lines = append(lines, strings.Join(call, " "))
	}
	return lines
}
