package app

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "livebot/pkg/logx"
)

// sdNotifier reports lifecycle state to systemd. Outside a Type=notify unit
// every call is a no-op.
type sdNotifier struct {
	log      logx.Logger
	notify   func(state string) (bool, error)
	watchdog func() (time.Duration, error)
}

func newSDNotifier(log logx.Logger) *sdNotifier {
	return &sdNotifier{
		log:      log,
		notify:   func(state string) (bool, error) { return daemon.SdNotify(false, state) },
		watchdog: func() (time.Duration, error) { return daemon.SdWatchdogEnabled(false) },
	}
}

func (n *sdNotifier) send(state string) {
	sent, err := n.notify(state)
	switch {
	case err != nil:
		n.log.Warn("systemd notify failed", logx.String("state", state), logx.Err(err))
	case sent:
		n.log.Debug("systemd notified", logx.String("state", state))
	}
}

func (n *sdNotifier) Ready()    { n.send(daemon.SdNotifyReady) }
func (n *sdNotifier) Stopping() { n.send(daemon.SdNotifyStopping) }

// Reloaded is sent after a hot reload has been applied.
func (n *sdNotifier) Reloaded() { n.send(daemon.SdNotifyReady) }

// Watchdog pings at half the WATCHDOG_USEC interval until ctx is done.
func (n *sdNotifier) Watchdog(ctx context.Context) {
	every, err := n.watchdog()
	if err != nil {
		n.log.Warn("systemd watchdog config invalid", logx.Err(err))
		return
	}
	if every <= 0 {
		return
	}
	every /= 2
	n.log.Info("systemd watchdog enabled", logx.Duration("interval", every))

	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := n.notify(daemon.SdNotifyWatchdog); err != nil {
				n.log.Warn("systemd watchdog ping failed", logx.Err(err))
			}
		}
	}
}
