package netns

import (
	"fmt"
	"os/exec"
	"strings"
)

// Executor abstracts command execution for ip/iptables/sysctl operations.
type Executor interface {
	Run(name string, args ...string) error
	Output(name string, args ...string) ([]byte, error)
}

// NewOSExecutor runs real commands.
func NewOSExecutor() Executor {
	return osExec{}
}

type osExec struct{}

func (osExec) Run(name string, args ...string) error {
	out, err := exec.Command(name, args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s %s: %w (%s)", name, strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return nil
}

func (osExec) Output(name string, args ...string) ([]byte, error) {
	return exec.Command(name, args...).CombinedOutput()
}
