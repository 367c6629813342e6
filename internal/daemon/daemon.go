// Package daemon runs the periodic idle cleanup and random rotation, and owns the
// single goroutine through which every mutation of a long-running process flows.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"vpn-netns-proxy/internal/diaglog"
	"vpn-netns-proxy/internal/proxy"
)

// ErrNotRunning is returned by Do when the loop is not accepting work.
var ErrNotRunning = errors.New("daemon loop is not running")

// Jobs are the periodic proxy maintenance operations.
type Jobs interface {
	CleanupIdle(ctx context.Context) (int, error)
	RotateRandom(ctx context.Context) (proxy.Rotation, error)
}

// Pruner trims the event journal.
type Pruner interface {
	Prune(ctx context.Context) (int64, error)
}

// TickReport summarises one maintenance pass.
type TickReport struct {
	Stopped int            `json:"stopped"`
	Rotate  proxy.Rotation `json:"rotate"`
	Pruned  int64          `json:"pruned"`
}

type request struct {
	ctx  context.Context
	fn   func(ctx context.Context) error
	done chan error
}

// Daemon is the cleanup loop.
type Daemon struct {
	jobs     Jobs
	pruner   Pruner
	interval time.Duration
	log      diaglog.Logger

	requests chan request

	mu      sync.Mutex
	running bool
	last    *TickReport
	lastAt  time.Time
	now     func() time.Time
}

// New returns a daemon ticking every interval. pruner and logger may be nil.
func New(jobs Jobs, pruner Pruner, interval time.Duration, logger diaglog.Logger) (*Daemon, error) {
	if jobs == nil {
		return nil, fmt.Errorf("proxy jobs are required")
	}
	if interval <= 0 {
		return nil, fmt.Errorf("cleanup interval must be positive, got %s", interval)
	}
	if logger == nil {
		logger = diaglog.Discard
	}
	return &Daemon{
		jobs:     jobs,
		pruner:   pruner,
		interval: interval,
		log:      logger,
		requests: make(chan request),
		now:      time.Now,
	}, nil
}

// Run owns the loop until ctx is cancelled. Namespaces are left in place on exit.
func (d *Daemon) Run(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return errors.New("daemon loop already running")
	}
	d.running = true
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		d.running = false
		d.mu.Unlock()
	}()

	d.log.Infof("cleanup loop started, interval %s", d.interval)
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			d.log.Infof("cleanup loop stopped")
			return nil
		case <-ticker.C:
			d.Tick(ctx)
		case req := <-d.requests:
			req.done <- req.fn(req.ctx)
		}
	}
}

// Do runs fn on the loop goroutine and waits for its result.
func (d *Daemon) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	d.mu.Lock()
	running := d.running
	d.mu.Unlock()
	if !running {
		return ErrNotRunning
	}
	req := request{ctx: ctx, fn: fn, done: make(chan error, 1)}
	select {
	case d.requests <- req:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Tick performs one pass: idle cleanup, random rotation, journal pruning. Errors
// are logged and the pass continues.
func (d *Daemon) Tick(ctx context.Context) TickReport {
	var report TickReport

	stopped, err := d.jobs.CleanupIdle(ctx)
	report.Stopped = stopped
	if err != nil {
		d.log.Errorf("idle cleanup: %v", err)
	} else if stopped > 0 {
		d.log.Infof("stopped %d idle proxies", stopped)
	}

	rot, err := d.jobs.RotateRandom(ctx)
	report.Rotate = rot
	if err != nil {
		d.log.Errorf("random rotation: %v", err)
	}

	if d.pruner != nil {
		pruned, err := d.pruner.Prune(ctx)
		report.Pruned = pruned
		if err != nil {
			d.log.Warnf("journal prune: %v", err)
		}
	}

	d.mu.Lock()
	d.last = &report
	d.lastAt = d.now()
	d.mu.Unlock()
	return report
}

// LastTick returns the most recent pass, if any.
func (d *Daemon) LastTick() (TickReport, time.Time, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.last == nil {
		return TickReport{}, time.Time{}, false
	}
	return *d.last, d.lastAt, true
}
