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
	"github.com/dlogd/dlogd/internal/ioloop"
	"github.com/dlogd/dlogd/internal/logger"
)

// HandleVnodeEvent reacts to an ioloop.Event of Kind EventVnode: a
// waited-for path appearing (PENDING -> reopen from the start) or an
// open path vanishing (ACTIVE -> DRAIN_ROTATE).
func (m *Manager) HandleVnodeEvent(ev ioloop.Event) {
	d, ok := m.tagOwner[ev.VnodeTag]
	if !ok {
		return
	}
	delete(m.tagOwner, ev.VnodeTag)

	if ev.Appeared {
		if d.State != StatePending {
			return
		}
		if _, err := m.OpenDescriptor(d.Origin, d, nil, SeekToStart); err != nil {
			logger.Errorf("descriptor %s: reopen on appearance: %v", d.Symbol, err)
			return
		}
		if d.State == StateActive && d.Kind.IsReadSide() {
			// Bytes may have landed between creation and the watch
			// arming; the idle path catches them up.
			m.pendingReads[d.FD] = d
		}
		return
	}

	if d.State == StateActive {
		m.toDrainRotate(d)
	}
}
