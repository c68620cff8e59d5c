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

// kindBehavior is the small capability surface that varies per endpoint
// kind. Exactly one implementation exists per Kind; Manager dispatches
// through the interface instead of branching on Kind in the main loop.
type kindBehavior interface {
	// PreRead runs before the engine attempts to read from d. Returning
	// skip=true tells the caller the kind already handled this
	// readiness event itself (the listen-socket accept loop) and no
	// ordinary read/line-reader pass should run.
	PreRead(m *Manager, d *Descriptor) (skip bool, err error)

	// PostLineWrite runs after a write-queue flush attempt, given the
	// outcome, so kind-specific recovery (write-socket EPIPE ->
	// PENDING with queue preserved; rotated-log threshold check) can
	// react without the engine knowing about it.
	PostLineWrite(m *Manager, d *Descriptor, n int, werr error)

	// OnActivate runs every time d enters ACTIVE, including after a
	// rotate or DRAIN_ROTATE reopen.
	OnActivate(m *Manager, d *Descriptor) error

	// OnDeactivate runs when d is closed or a write-socket reverts to
	// PENDING; a rotate or DRAIN_ROTATE reopen does not call it.
	OnDeactivate(m *Manager, d *Descriptor)
}

// defaultBehavior is the no-op implementation every kind embeds and
// overrides selectively, so adding a new kind never requires
// implementing all four hooks.
type defaultBehavior struct{}

func (defaultBehavior) PreRead(*Manager, *Descriptor) (bool, error)     { return false, nil }
func (defaultBehavior) PostLineWrite(*Manager, *Descriptor, int, error) {}
func (defaultBehavior) OnActivate(*Manager, *Descriptor) error          { return nil }
func (defaultBehavior) OnDeactivate(*Manager, *Descriptor)              {}

func behaviorFor(k Kind) kindBehavior {
	switch k {
	case ListenSocket:
		return listenSocketBehavior{}
	case SocketWrite:
		return socketWriteBehavior{}
	case RotatedLog:
		return rotatedLogBehavior{}
	default:
		return defaultBehavior{}
	}
}
