package proxy

import (
	"errors"
	"fmt"
)

var (
	// ErrNoFreePort is returned when every port in the range is bound.
	ErrNoFreePort = errors.New("no free proxy port in range")
	// ErrNotRunning is returned by Get for a VPN without an active proxy.
	ErrNotRunning = errors.New("proxy not running")
	// ErrProvisioning matches every ProvisionError.
	ErrProvisioning = errors.New("proxy provisioning failed")
)

// ProvisionError reports the start stage that failed. The namespace has been torn
// down by the time it is returned.
type ProvisionError struct {
	Stage     string
	Namespace string
	Err       error
}

func (e *ProvisionError) Error() string {
	if e.Namespace == "" {
		return fmt.Sprintf("provision %s: %v", e.Stage, e.Err)
	}
	return fmt.Sprintf("provision %s (%s): %v", e.Stage, e.Namespace, e.Err)
}

func (e *ProvisionError) Unwrap() error {
	return e.Err
}

func (e *ProvisionError) Is(target error) bool {
	return target == ErrProvisioning
}
