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

// Package procctl owns dlogd's process-lifecycle plumbing: signal
// intake, pid-file maintenance, daemonization, argv preservation and
// exec of the successor binary during a live restart.
package procctl

import (
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
)

// Flags is the only state a signal may touch: atomics polled by the
// event loop at the top of each iteration, so all signal work happens
// in-loop.
type Flags struct {
	delivered atomic.Bool

	restart  atomic.Bool
	rotate   atomic.Bool
	shutdown atomic.Bool
}

// Install arms the signal set: SIGHUP -> restart with hand-off, SIGUSR1
// -> rotate all rotated-logs, SIGQUIT -> clean shutdown. SIGINT is
// honored only in foreground mode.
func Install(foreground bool) *Flags {
	f := &Flags{}
	sigs := []os.Signal{syscall.SIGHUP, syscall.SIGUSR1, syscall.SIGQUIT}
	if foreground {
		sigs = append(sigs, syscall.SIGINT)
	}
	ch := make(chan os.Signal, 8)
	signal.Notify(ch, sigs...)
	signal.Ignore(syscall.SIGPIPE)
	go func() {
		for sig := range ch {
			switch sig {
			case syscall.SIGHUP:
				f.restart.Store(true)
			case syscall.SIGUSR1:
				f.rotate.Store(true)
			case syscall.SIGQUIT, syscall.SIGINT:
				f.shutdown.Store(true)
			}
			f.delivered.Store(true)
		}
	}()
	return f
}

// Delivered reports and clears the "any signal arrived" latch, so the
// loop pays for the per-signal checks only when something fired.
func (f *Flags) Delivered() bool {
	return f.delivered.Swap(false)
}

// TakeRestart reports and clears the restart flag.
func (f *Flags) TakeRestart() bool { return f.restart.Swap(false) }

// TakeRotate reports and clears the rotate flag.
func (f *Flags) TakeRotate() bool { return f.rotate.Swap(false) }

// TakeShutdown reports and clears the shutdown flag.
func (f *Flags) TakeShutdown() bool { return f.shutdown.Swap(false) }

// RequestShutdown sets the shutdown flag from inside the process, used
// by the restart path once the hand-off has completed.
func (f *Flags) RequestShutdown() {
	f.shutdown.Store(true)
	f.delivered.Store(true)
}
