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

// Package descriptor implements the polymorphic I/O endpoint with a
// unified state machine that opens, transitions and tears down every
// endpoint variant (files, fifos, sockets, the listen socket, rotated
// logs) through one constructor. Kind-specific behavior hangs off a
// small per-kind interface instead of branching in the loop.
package descriptor

import (
	"github.com/dlogd/dlogd/internal/linereader"
	"github.com/dlogd/dlogd/internal/writequeue"
)

// Kind tags which endpoint variant a Descriptor or Origin represents.
type Kind int

const (
	FileRead Kind = iota
	FileWrite
	FifoRead
	FifoWrite
	SocketRead
	SocketWrite
	ListenSocket
	RotatedLog
)

func (k Kind) String() string {
	switch k {
	case FileRead:
		return "file-read"
	case FileWrite:
		return "file-write"
	case FifoRead:
		return "fifo-read"
	case FifoWrite:
		return "fifo-write"
	case SocketRead:
		return "socket-read"
	case SocketWrite:
		return "socket-write"
	case ListenSocket:
		return "listen-socket"
	case RotatedLog:
		return "rotated-log"
	default:
		return "unknown"
	}
}

// IsReadSide reports whether descriptors of this kind sit on the input
// side. All of them own a line reader except ListenSocket, which owns
// neither a reader nor a write queue.
func (k Kind) IsReadSide() bool {
	switch k {
	case FileRead, FifoRead, SocketRead, ListenSocket:
		return true
	default:
		return false
	}
}

// State is a descriptor's position in its lifecycle.
type State int

const (
	StateInit State = iota
	StatePending
	StateActive
	StateDrain
	StateDrainRotate
	StateDead
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StatePending:
		return "PENDING"
	case StateActive:
		return "ACTIVE"
	case StateDrain:
		return "DRAIN"
	case StateDrainRotate:
		return "DRAIN_ROTATE"
	case StateDead:
		return "DEAD"
	default:
		return "?"
	}
}

// Origin is the immutable configuration entry naming a prospective
// endpoint; a single Origin may spawn many Descriptors over its
// process lifetime (reopen on rotate, reconnect on peer reset). Origins
// are appended to the process's origin list at config-parse time and
// never mutated afterward.
type Origin struct {
	Symbol string
	Kind   Kind

	Path string // file-read/file-write/fifo-read/fifo-write/rotated-log
	Host string // socket-write
	Port int    // socket-write/listen-socket

	// SeekEndOnFirstOpen: true for a file-read origin's very first
	// open (tail semantics); a reopen after a DRAIN_ROTATE cycle always
	// seeks to start regardless of this flag.
	SeekEndOnFirstOpen bool

	RotateThresholdBytes int64 // RotatedLog only
}

// InheritedState carries a hand-off's preserved fd and residual read
// buffer into OpenDescriptor, letting it skip open()/connect() entirely
// and resume mid-stream. A DRAIN_ROTATE reopen does not use it; it keeps
// the existing reader through KeepBuffers.
type InheritedState struct {
	FD            int
	Kind          Kind
	ResidualBuf   []byte
	ResidualIndex int
}

// Descriptor is one open endpoint instance.
type Descriptor struct {
	Origin *Origin
	Kind   Kind
	Symbol string
	FD     int
	State  State

	Reader *linereader.Reader
	Writer *writequeue.Queue

	hooks kindBehavior

	// hookState is the per-kind scratch payload the hook
	// implementations close over; only the rotated-log byte counter
	// uses it.
	hookState any

	// vnodeTags correlates this descriptor with every ioloop watch it
	// currently holds (an appearance watch while PENDING; a delete
	// watch and a modify watch while ACTIVE as a file-read).
	vnodeTags []uintptr

	// activeIdx is this descriptor's position in the active list; an
	// index rather than a back-pointer so the list and the descriptor
	// don't hold each other alive.
	activeIdx int
}

// ActiveIndex and SetActiveIndex expose the engine's active-list slot
// so removal needs no search; -1 means "not currently in the active list".
func (d *Descriptor) ActiveIndex() int        { return d.activeIdx }
func (d *Descriptor) SetActiveIndex(idx int)  { d.activeIdx = idx }

// VnodeTags exposes the descriptor's current ioloop correlation tags.
func (d *Descriptor) VnodeTags() []uintptr { return d.vnodeTags }
