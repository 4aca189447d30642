// Package systemd sends sd_notify state updates. Every call is a no-op
// (false, nil) when the process was not started by systemd with
// NOTIFY_SOCKET set.
package systemd

import (
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
)

// Ready reports READY=1.
func Ready() (bool, error) { return daemon.SdNotify(false, daemon.SdNotifyReady) }

// Stopping reports STOPPING=1.
func Stopping() (bool, error) { return daemon.SdNotify(false, daemon.SdNotifyStopping) }

// Watchdog pings the service watchdog (WATCHDOG=1).
func Watchdog() (bool, error) { return daemon.SdNotify(false, daemon.SdNotifyWatchdog) }

// Status sets the free-form STATUS= line shown by systemctl.
func Status(s string) (bool, error) { return daemon.SdNotify(false, "STATUS="+s) }

// WatchdogInterval returns WatchdogSec, or 0 when the watchdog is off.
func WatchdogInterval() (time.Duration, error) { return daemon.SdWatchdogEnabled(false) }
