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

package descriptor

import (
	"errors"
	"os"
	"syscall"

	"github.com/dlogd/dlogd/internal/logger"
	"github.com/dlogd/dlogd/internal/rotatelog"
)

// listenSocketBehavior installs the accept loop as PreRead, so the
// engine's ordinary "read into the line reader" path never runs for a
// listening socket.
type listenSocketBehavior struct{ defaultBehavior }

func (listenSocketBehavior) PreRead(m *Manager, d *Descriptor) (bool, error) {
	m.acceptLoop(d)
	return true, nil
}

// socketWriteBehavior resets a write-socket to PENDING on EPIPE while
// preserving its write queue, so buffered output is not lost across a
// reconnect.
type socketWriteBehavior struct{ defaultBehavior }

func (socketWriteBehavior) PostLineWrite(m *Manager, d *Descriptor, n int, werr error) {
	if werr == nil {
		return
	}
	if errors.Is(werr, syscall.EPIPE) || errors.Is(werr, syscall.ECONNRESET) {
		logger.Warnf("descriptor %s: peer gone (%v), reverting to PENDING with queue preserved", d.Symbol, werr)
		m.toPendingKeepQueue(d)
	}
}

// rotatedLogHookState is the per-descriptor byte counter
// rotatedLogBehavior seeds from a stat on activation and advances after
// each successful write.
type rotatedLogHookState struct {
	bytesWritten int64
	threshold    int64
}

type rotatedLogBehavior struct{ defaultBehavior }

func (rotatedLogBehavior) OnActivate(m *Manager, d *Descriptor) error {
	st := &rotatedLogHookState{threshold: d.Origin.RotateThresholdBytes}
	if fi, err := os.Stat(d.Origin.Path); err == nil {
		st.bytesWritten = fi.Size()
	}
	d.hookState = st
	return nil
}

func (rotatedLogBehavior) PostLineWrite(m *Manager, d *Descriptor, n int, werr error) {
	if werr != nil {
		return
	}
	st, _ := d.hookState.(*rotatedLogHookState)
	if st == nil {
		return
	}
	st.bytesWritten += int64(n)
	if rotatelog.ShouldRotate(st.bytesWritten, st.threshold) {
		m.rotateNow(d, st)
	}
}

// ForceRotate is invoked on SIGUSR1 for every rotated-log descriptor
// on the active list, regardless of current size.
func ForceRotate(m *Manager, d *Descriptor) {
	if d.Kind != RotatedLog {
		return
	}
	st, ok := d.hookState.(*rotatedLogHookState)
	if !ok {
		st = &rotatedLogHookState{threshold: d.Origin.RotateThresholdBytes}
		d.hookState = st
	}
	m.rotateNow(d, st)
}
