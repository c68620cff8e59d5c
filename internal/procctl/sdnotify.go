// Copyright 2024 The dlogd Authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package procctl

import (
	"time"

	sddaemon "github.com/coreos/go-systemd/v22/daemon"

	"github.com/dlogd/dlogd/internal/logger"
)

// NotifyReady tells a supervising systemd the event loop is armed.
// A no-op outside a systemd unit (NOTIFY_SOCKET unset).
func NotifyReady() {
	if ok, err := sddaemon.SdNotify(false, sddaemon.SdNotifyReady); err != nil {
		logger.Debugf("procctl: sd_notify READY: %v", err)
	} else if ok {
		logger.Debug("procctl: sd_notify READY=1 sent")
	}
}

// WatchdogInterval returns how often the loop should pet the systemd
// watchdog, or zero when WATCHDOG_USEC is not set.
func WatchdogInterval() time.Duration {
	interval, err := sddaemon.SdWatchdogEnabled(false)
	if err != nil {
		logger.Debugf("procctl: sd_watchdog_enabled: %v", err)
		return 0
	}
	if interval <= 0 {
		return 0
	}
	// Pet at half the configured timeout, the usual convention.
	return interval / 2
}

// NotifyWatchdog pets the systemd watchdog.
func NotifyWatchdog() {
	sddaemon.SdNotify(false, sddaemon.SdNotifyWatchdog)
}

// NotifyStopping reports imminent shutdown to systemd.
func NotifyStopping() {
	sddaemon.SdNotify(false, sddaemon.SdNotifyStopping)
}
