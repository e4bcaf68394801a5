// Package systemd speaks the sd_notify protocol so the daemon can run as a
// Type=notify unit with an optional watchdog. Outside systemd every call is a
// no-op.
package systemd

import (
	"context"
	"fmt"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
)

// Notifier sends state changes to the service manager.
type Notifier struct {
	notify   func(unsetEnv bool, state string) (bool, error)
	watchdog func(unsetEnv bool) (time.Duration, error)
}

func New() *Notifier {
	return &Notifier{notify: daemon.SdNotify, watchdog: daemon.SdWatchdogEnabled}
}

func (n *Notifier) send(state string) (bool, error) {
	ok, err := n.notify(false, state)
	if err != nil {
		return false, fmt.Errorf("sd_notify %q: %w", state, err)
	}
	return ok, nil
}

// Ready reports READY=1. ok is false when not running under systemd.
func (n *Notifier) Ready() (bool, error) { return n.send(daemon.SdNotifyReady) }

func (n *Notifier) Stopping() (bool, error) { return n.send(daemon.SdNotifyStopping) }

func (n *Notifier) Reloading() (bool, error) { return n.send(daemon.SdNotifyReloading) }

// Status sets the one-line status shown by systemctl status.
func (n *Notifier) Status(msg string) (bool, error) { return n.send("STATUS=" + msg) }

// WatchdogInterval returns how often to ping, zero when the watchdog is off.
// Pings go out at half the configured WATCHDOG_USEC.
func (n *Notifier) WatchdogInterval() time.Duration {
	d, err := n.watchdog(false)
	if err != nil || d <= 0 {
		return 0
	}
	return d / 2
}

// RunWatchdog pings WATCHDOG=1 until ctx ends. healthy gates each ping; a
// nil healthy always pings. It returns at once when the watchdog is off.
func (n *Notifier) RunWatchdog(ctx context.Context, healthy func() bool) error {
	every := n.WatchdogInterval()
	if every <= 0 {
		return nil
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if healthy != nil && !healthy() {
				continue
			}
			if _, err := n.send(daemon.SdNotifyWatchdog); err != nil {
				return err
			}
		}
	}
}
