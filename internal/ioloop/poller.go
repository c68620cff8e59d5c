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

// Package ioloop abstracts the two OS readiness kernels dlogd runs on
// behind one contract: epoll+inotify on Linux, kqueue+EVFILT_VNODE on
// the BSD family (including Darwin). The engine and descriptor packages
// only ever see the Poller interface below; poller_linux.go and
// poller_bsd.go are chosen at compile time by build tag.
package ioloop

import "errors"

// ErrUnsupported is returned by vnode operations on a backend that
// cannot watch the requested path class (never expected in practice:
// both shipped backends implement the full contract).
var ErrUnsupported = errors.New("ioloop: operation unsupported on this backend")

// EventKind tags what a returned Event represents, since on the BSD
// backend a single kqueue carries both socket readiness and vnode
// notifications.
type EventKind int

const (
	EventReadiness EventKind = iota
	EventVnode
)

// Event is the uniform readiness record the loop hands the engine,
// replacing direct inspection of epoll_event / kevent. Fd identifies the
// descriptor the event concerns; for EventVnode raised by a directory
// watch (inotify IN_CREATE/IN_MOVED_TO, or a kqueue directory NOTE_WRITE)
// Fd is left zero and Basename/VnodeTag identify which
// waited-for file may now exist.
type Event struct {
	Kind EventKind

	Fd       int
	Readable bool
	Writable bool
	EOF      bool
	Err      bool

	// ReadHint is the kqueue `data` field (bytes available to read) or
	// 0 on epoll, where the count is unknown ahead of the read(2)
	// call.
	ReadHint int

	// Vnode fields, populated when Kind == EventVnode.
	VnodeTag  uintptr // opaque tag supplied to WatchVnode/RegisterVnodeDelete
	Basename  string  // non-empty for a directory-create event
	Appeared  bool    // true: a waited-for path appeared; false: an open path was deleted/renamed
}

// Poller is the event multiplexer contract. Every method must be safe
// to call only from the single event-loop goroutine; dlogd never shares
// a Poller across goroutines.
type Poller interface {
	// RegisterRead arms fd for read readiness.
	RegisterRead(fd int) error
	// RegisterWrite arms fd for write readiness (used for connect()
	// completion and for backpressured write queues).
	RegisterWrite(fd int) error
	// Unregister removes fd from the readiness set entirely. Idempotent.
	Unregister(fd int) error

	// WatchVnode arms a watch for the *appearance* of path, which does
	// not exist yet (a file-read origin whose target hasn't been
	// created). tag is returned on the corresponding
	// Event so the caller can correlate it back to a descriptor without
	// a reverse map.
	WatchVnode(path string, tag uintptr) error
	// RegisterVnodeDelete arms a watch for deletion/rename of path,
	// which is currently open as fd.
	RegisterVnodeDelete(fd int, path string, tag uintptr) error
	// WatchFileModify arms notification of new data appended to the
	// regular file at path, open as fd. Regular files are not
	// epoll/kqueue-readable in the ordinary sense (they read as always
	// ready), so file-read descriptors are driven by this instead of
	// RegisterRead: on Linux it is IN_MODIFY on the path, on the BSD
	// backend it is EVFILT_VNODE/NOTE_WRITE on fd itself.
	WatchFileModify(fd int, path string, tag uintptr) error
	// UnwatchVnode removes every watch associated with tag, used when a
	// descriptor transitions away from PENDING/ACTIVE before its vnode
	// watch fired.
	UnwatchVnode(tag uintptr) error

	// Wait blocks up to timeoutMs milliseconds and appends ready events
	// to out, returning the number appended. A timeoutMs of 0 polls
	// without blocking; events may be of either Kind.
	Wait(out []Event, timeoutMs int) (int, error)

	// Close releases the backend's own fds (epoll fd, inotify fd, or
	// kqueue fd).
	Close() error
}
