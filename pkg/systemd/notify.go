// Package systemd reports service state to the systemd manager through
// sd_notify. Every call is a no-op outside a unit started with
// Type=notify.
package systemd

import (
	"context"
	"fmt"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "onelane/pkg/logx"
)

type Notifier struct {
	log logx.Logger
}

func NewNotifier(log logx.Logger) *Notifier {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Notifier{log: log}
}

func (n *Notifier) send(state string) bool {
	ok, err := daemon.SdNotify(false, state)
	if err != nil {
		n.log.Debug("sd_notify failed", logx.String("state", state), logx.Err(err))
		return false
	}
	return ok
}

func (n *Notifier) Ready() {
	if n.send(daemon.SdNotifyReady) {
		n.log.Debug("systemd notified ready")
	}
}

func (n *Notifier) Stopping() { n.send(daemon.SdNotifyStopping) }

func (n *Notifier) Reloading() { n.send(daemon.SdNotifyReloading) }

// Status sets the free-form status line shown by systemctl status.
func (n *Notifier) Status(format string, args ...any) {
	n.send("STATUS=" + fmt.Sprintf(format, args...))
}

// Watchdog pings the manager at half the configured WatchdogSec until ctx
// is done. healthy is consulted before each ping; a false result skips it.
// It returns immediately when the watchdog is not enabled for this process.
func (n *Notifier) Watchdog(ctx context.Context, healthy func() bool) error {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		return err
	}
	if interval <= 0 {
		return nil
	}
	tick := time.NewTicker(interval / 2)
	defer tick.Stop()
	n.log.Debug("systemd watchdog enabled", logx.Duration("interval", interval))
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tick.C:
			if healthy != nil && !healthy() {
				n.log.Warn("watchdog ping skipped: unhealthy")
				continue
			}
			n.send(daemon.SdNotifyWatchdog)
		}
	}
}
