// Package notify delivers user-facing desktop notifications over the session bus,
// falling back to notify-send when no bus is reachable.
package notify

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/godbus/dbus/v5"
)

const (
	appName = "vpn-netns-proxy"

	busName      = "org.freedesktop.Notifications"
	busPath      = dbus.ObjectPath("/org/freedesktop/Notifications")
	notifyMethod = busName + ".Notify"

	defaultExpire = 8 * time.Second
)

// Urgency mirrors the freedesktop notification urgency hint.
type Urgency byte

const (
	UrgencyLow Urgency = iota
	UrgencyNormal
	UrgencyCritical
)

func (u Urgency) String() string {
	switch u {
	case UrgencyLow:
		return "low"
	case UrgencyCritical:
		return "critical"
	default:
		return "normal"
	}
}

// Message is one desktop notification.
type Message struct {
	Title   string
	Body    string
	Urgency Urgency
	Icon    string
}

// Notifier delivers messages to the user.
type Notifier interface {
	Notify(ctx context.Context, msg Message) error
}

// CommandRunner executes the fallback command.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) error
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) error {
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s: %w (%s)", name, err, strings.TrimSpace(string(out)))
	}
	return nil
}

// busCaller is the subset of a D-Bus connection the notifier needs.
type busCaller interface {
	Notify(ctx context.Context, msg Message) error
	Close() error
}

// Desktop sends notifications via D-Bus, then notify-send.
type Desktop struct {
	dial   func() (busCaller, error)
	runner CommandRunner
}

// NewDesktop returns a notifier bound to the user's session bus.
func NewDesktop() *Desktop {
	return &Desktop{dial: dialSessionBus, runner: execRunner{}}
}

// Notify implements Notifier.
func (d *Desktop) Notify(ctx context.Context, msg Message) error {
	msg = normalize(msg)

	var busErr error
	if d.dial != nil {
		bus, err := d.dial()
		if err == nil {
			busErr = bus.Notify(ctx, msg)
			_ = bus.Close()
			if busErr == nil {
				return nil
			}
		} else {
			busErr = err
		}
	}

	if d.runner == nil {
		return fmt.Errorf("deliver notification: %w", busErr)
	}
	args := []string{
		"--app-name=" + appName,
		"--urgency=" + msg.Urgency.String(),
		"--expire-time=" + fmt.Sprint(defaultExpire.Milliseconds()),
	}
	if msg.Icon != "" {
		args = append(args, "--icon="+msg.Icon)
	}
	args = append(args, msg.Title, msg.Body)
	if err := d.runner.Run(ctx, "notify-send", args...); err != nil {
		return errors.Join(busErr, err)
	}
	return nil
}

func normalize(msg Message) Message {
	msg.Title = strings.TrimSpace(msg.Title)
	if msg.Title == "" {
		msg.Title = appName
	}
	msg.Body = strings.TrimSpace(msg.Body)
	if msg.Icon == "" {
		switch msg.Urgency {
		case UrgencyCritical:
			msg.Icon = "dialog-error"
		case UrgencyNormal:
			msg.Icon = "dialog-warning"
		default:
			msg.Icon = "network-vpn"
		}
	}
	return msg
}

type sessionBus struct {
	conn *dbus.Conn
}

func dialSessionBus() (busCaller, error) {
	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return nil, fmt.Errorf("connect session bus: %w", err)
	}
	return &sessionBus{conn: conn}, nil
}

func (s *sessionBus) Notify(ctx context.Context, msg Message) error {
	obj := s.conn.Object(busName, busPath)
	hints := map[string]dbus.Variant{
		"urgency": dbus.MakeVariant(byte(msg.Urgency)),
	}
	call := obj.CallWithContext(ctx, notifyMethod, 0,
		appName, uint32(0), msg.Icon, msg.Title, msg.Body,
		[]string{}, hints, int32(defaultExpire.Milliseconds()))
	if call.Err != nil {
		return fmt.Errorf("dbus notify: %w", call.Err)
	}
	return nil
}

func (s *sessionBus) Close() error {
	return s.conn.Close()
}

// Discard drops every message.
type Discard struct{}

func (Discard) Notify(context.Context, Message) error { return nil }
