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
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/dlogd/dlogd/internal/ioloop"
	"github.com/dlogd/dlogd/internal/linereader"
	"github.com/dlogd/dlogd/internal/logger"
	"github.com/dlogd/dlogd/internal/rotatelog"
	"github.com/dlogd/dlogd/internal/symtab"
	"github.com/dlogd/dlogd/internal/writequeue"
)

// OpenFlags adjust how OpenDescriptor positions and provisions the new
// endpoint.
type OpenFlags uint8

const (
	SeekToStart OpenFlags = 1 << iota
	SeekToEnd
	Truncate
	KeepBuffers
)

// MaxChunkBytes bounds how much a single descriptor may read in one
// event-loop cycle so one hot source cannot starve others; exceeding it
// re-enqueues the descriptor in the pending-reads table instead of
// looping to EAGAIN immediately.
const MaxChunkBytes = 64 * 1024

// Manager is the runtime context passed explicitly to everything that
// touches descriptors: it owns the symbol table, the pending-reads
// table, the origin list and the active list, all mutated only from the
// event-loop goroutine.
type Manager struct {
	Poller ioloop.Poller

	symtab       *symtab.Table[*Descriptor]
	origins      []*Origin
	pendingReads map[int]*Descriptor
	active       []*Descriptor
	byFD         map[int]*Descriptor

	tagSeq   uintptr
	tagOwner map[uintptr]*Descriptor

	// OnLine is called once per complete record a read-side descriptor
	// yields, tagged with its source symbol; the engine wires this to
	// rule-tree evaluation. Kept as a field rather than a constructor
	// argument so tests can swap it freely.
	OnLine func(source string, line []byte)

	// OnDrop fires once per line rejected by a full write queue, and
	// OnRotate once per rotated-log rename cycle; the engine wires both
	// to metrics counters. Either may be nil.
	OnDrop   func()
	OnRotate func()
}

// NewManager constructs an empty Manager bound to poller.
func NewManager(poller ioloop.Poller) *Manager {
	return &Manager{
		Poller:       poller,
		symtab:       symtab.New[*Descriptor](),
		pendingReads: make(map[int]*Descriptor),
		byFD:         make(map[int]*Descriptor),
		tagOwner:     make(map[uintptr]*Descriptor),
	}
}

// DescriptorByFD resolves a readiness event's fd back to its owning
// descriptor.
func (m *Manager) DescriptorByFD(fd int) (*Descriptor, bool) {
	d, ok := m.byFD[fd]
	return d, ok
}

// bindFD records the fd -> descriptor association the event loop uses
// to dispatch readiness. Called whenever a descriptor acquires an fd.
func (m *Manager) bindFD(d *Descriptor) {
	if d.FD >= 0 {
		m.byFD[d.FD] = d
	}
}

func (m *Manager) unbindFD(d *Descriptor) {
	if d.FD >= 0 {
		delete(m.byFD, d.FD)
	}
}

// AddOrigin appends o to the process's origin list, which is
// append-only after config parse.
func (m *Manager) AddOrigin(o *Origin) { m.origins = append(m.origins, o) }

// PrependOrigin inserts o at the front of the origin list, used by the
// hand-off receiver to synthesize an origin for an anonymous inherited
// client socket.
func (m *Manager) PrependOrigin(o *Origin) {
	m.origins = append([]*Origin{o}, m.origins...)
}

// Origins returns the live origin list.
func (m *Manager) Origins() []*Origin { return m.origins }

// FindOrigin locates an origin by (symbol, kind), used by the hand-off
// receiver to match an inherited descriptor back to its config entry.
func (m *Manager) FindOrigin(symbol string, kind Kind) (*Origin, bool) {
	for _, o := range m.origins {
		if o.Symbol == symbol && o.Kind == kind {
			return o, true
		}
	}
	return nil, false
}

// Lookup resolves a symbol to its currently active descriptor, used by
// WRITE rule nodes.
func (m *Manager) Lookup(symbol string) (*Descriptor, bool) { return m.symtab.Lookup(symbol) }

// ActiveList returns the insertion-ordered active descriptors, used
// for rotate-all, drain-all and hand-off-all bulk operations.
func (m *Manager) ActiveList() []*Descriptor { return m.active }

func (m *Manager) nextTag(d *Descriptor) uintptr {
	t := atomic.AddUintptr(&m.tagSeq, 1)
	m.tagOwner[t] = d
	d.vnodeTags = append(d.vnodeTags, t)
	return t
}

// clearVnodeTags unregisters every watch currently held by d, used
// whenever d leaves the state that watch was armed for.
func (m *Manager) clearVnodeTags(d *Descriptor) {
	for _, t := range d.vnodeTags {
		m.Poller.UnwatchVnode(t)
		delete(m.tagOwner, t)
	}
	d.vnodeTags = nil
}

// OpenDescriptor is the single constructor/reopener for every endpoint
// kind. existing, when non-nil, is reused in place (its Reader/Writer
// are kept when flags has KeepBuffers) rather than allocating a fresh
// Descriptor, so a DRAIN_ROTATE reopen or a reconnect does not lose its
// queued writes or buffered partial line.
func (m *Manager) OpenDescriptor(origin *Origin, existing *Descriptor, inherited *InheritedState, flags OpenFlags) (*Descriptor, error) {
	d := existing
	if d == nil {
		d = &Descriptor{FD: -1, activeIdx: -1}
	}
	d.Origin = origin
	d.Kind = origin.Kind
	d.Symbol = origin.Symbol
	d.State = StateInit
	if d.hooks == nil {
		d.hooks = behaviorFor(origin.Kind)
	}

	if inherited != nil {
		return m.openInherited(d, inherited, flags)
	}

	switch origin.Kind {
	case FileRead:
		return m.openFileReadDescriptor(d, flags)
	case FileWrite, RotatedLog:
		return m.openFileWriteDescriptor(d, flags)
	case FifoRead:
		if err := ensureFifo(origin.Path); err != nil {
			return nil, fmt.Errorf("descriptor %s: mkfifo: %w", origin.Symbol, err)
		}
		return m.openFileReadDescriptor(d, flags)
	case FifoWrite:
		if err := ensureFifo(origin.Path); err != nil {
			return nil, fmt.Errorf("descriptor %s: mkfifo: %w", origin.Symbol, err)
		}
		return m.openFileWriteDescriptor(d, flags)
	case SocketWrite:
		return m.openSocketWriteDescriptor(d)
	case ListenSocket:
		return m.openListenDescriptor(d)
	default:
		return nil, fmt.Errorf("descriptor %s: unsupported kind %v", origin.Symbol, origin.Kind)
	}
}

func (m *Manager) openInherited(d *Descriptor, inh *InheritedState, flags OpenFlags) (*Descriptor, error) {
	d.FD = inh.FD
	m.bindFD(d)
	if d.Kind.IsReadSide() {
		d.Reader = linereader.New()
		if len(inh.ResidualBuf) > 0 {
			d.Reader.ResetWithBuffer(inh.ResidualBuf, inh.ResidualIndex)
		}
		if err := setNonblockCloexec(d.FD); err != nil {
			return nil, err
		}
		m.toActive(d)
		if d.Kind == FileRead {
			if err := m.Poller.WatchFileModify(d.FD, d.Origin.Path, m.nextTag(d)); err != nil {
				return nil, err
			}
			if err := m.Poller.RegisterVnodeDelete(d.FD, d.Origin.Path, m.nextTag(d)); err != nil {
				return nil, err
			}
		} else if err := m.Poller.RegisterRead(d.FD); err != nil {
			return nil, err
		}
	} else {
		d.Writer = writequeue.New()
		m.toActive(d)
	}
	return d, nil
}

func (m *Manager) openFileReadDescriptor(d *Descriptor, flags OpenFlags) (*Descriptor, error) {
	seekEnd := flags&SeekToEnd != 0 || (flags&SeekToStart == 0 && d.Origin.SeekEndOnFirstOpen)

	fd, err := openFileRead(d.Origin.Path, seekEnd)
	if err != nil {
		if isMissingErr(err) {
			d.State = StatePending
			return d, m.Poller.WatchVnode(d.Origin.Path, m.nextTag(d))
		}
		return nil, fmt.Errorf("descriptor %s: open %s: %w", d.Origin.Symbol, d.Origin.Path, err)
	}
	d.FD = fd
	m.bindFD(d)
	if flags&KeepBuffers == 0 || d.Reader == nil {
		d.Reader = linereader.New()
	}
	m.toActive(d)
	if d.Kind == FileRead {
		// Regular files read as always-ready under epoll/kqueue; they
		// are driven by modify notifications plus a delete/rename watch
		// instead of readiness registration.
		if err := m.Poller.WatchFileModify(d.FD, d.Origin.Path, m.nextTag(d)); err != nil {
			return nil, err
		}
		if err := m.Poller.RegisterVnodeDelete(d.FD, d.Origin.Path, m.nextTag(d)); err != nil {
			return nil, err
		}
	} else if err := m.Poller.RegisterRead(d.FD); err != nil {
		return nil, err
	}
	return d, nil
}

func (m *Manager) openFileWriteDescriptor(d *Descriptor, flags OpenFlags) (*Descriptor, error) {
	fd, err := openFileWrite(d.Origin.Path, flags&Truncate != 0)
	if err != nil {
		return nil, fmt.Errorf("descriptor %s: open %s: %w", d.Origin.Symbol, d.Origin.Path, err)
	}
	d.FD = fd
	m.bindFD(d)
	if d.Writer == nil {
		d.Writer = writequeue.New()
	}
	m.toActive(d)
	return d, nil
}

func (m *Manager) openSocketWriteDescriptor(d *Descriptor) (*Descriptor, error) {
	fd, inProgress, err := dialSocketNonblocking(d.Origin.Host, d.Origin.Port)
	if err != nil {
		if errors.Is(err, unix.ECONNREFUSED) {
			// Target unavailable, not unrecoverable: hold in PENDING
			// with the queue intact and redial on the retry path.
			logger.Warnf("descriptor %s: connect %s:%d refused, staying PENDING", d.Origin.Symbol, d.Origin.Host, d.Origin.Port)
			d.FD = -1
			if d.Writer == nil {
				d.Writer = writequeue.New()
			}
			d.State = StatePending
			return d, nil
		}
		d.State = StateDead
		return d, fmt.Errorf("descriptor %s: connect %s:%d: %w", d.Origin.Symbol, d.Origin.Host, d.Origin.Port, err)
	}
	d.FD = fd
	m.bindFD(d)
	if d.Writer == nil {
		d.Writer = writequeue.New()
	}
	if inProgress {
		d.State = StatePending
		return d, m.Poller.RegisterWrite(d.FD)
	}
	m.toActive(d)
	return d, nil
}

// CompleteConnect is called by the engine when a PENDING socket-write
// descriptor becomes write-ready, checking SO_ERROR to see whether the
// non-blocking connect finished successfully (ACTIVE) or failed. Any
// failure closes the fd and leaves the descriptor PENDING for the retry
// path; none makes it DEAD.
func (m *Manager) CompleteConnect(d *Descriptor) error {
	if err := connectCompletionError(d.FD); err != nil {
		logger.Warnf("descriptor %s: connect failed (%v), staying PENDING", d.Symbol, err)
		m.Poller.Unregister(d.FD)
		m.unbindFD(d)
		_ = closeFD(d.FD)
		d.FD = -1
		d.State = StatePending
		return nil
	}
	m.toActive(d)
	return nil
}

// RetryConnect re-dials a PENDING socket-write descriptor whose earlier
// attempt was refused, keeping its queued writes. Paced by the engine.
func (m *Manager) RetryConnect(d *Descriptor) error {
	if d.State != StatePending || d.Kind != SocketWrite || d.FD >= 0 {
		return nil
	}
	_, err := m.OpenDescriptor(d.Origin, d, nil, KeepBuffers)
	return err
}

// CloseAll tears down every descriptor on the active list, used on clean
// shutdown after the final write-queue flush. PENDING descriptors are not
// on that list and are not closed here.
func (m *Manager) CloseAll() {
	for len(m.active) > 0 {
		m.CloseDescriptor(m.active[len(m.active)-1])
	}
}

func (m *Manager) openListenDescriptor(d *Descriptor) (*Descriptor, error) {
	fd, err := listenSocketFD(d.Origin.Port)
	if err != nil {
		d.State = StateDead
		return d, fmt.Errorf("descriptor %s: listen :%d: %w", d.Origin.Symbol, d.Origin.Port, err)
	}
	d.FD = fd
	m.bindFD(d)
	m.toActive(d)
	if err := m.Poller.RegisterRead(d.FD); err != nil {
		return nil, err
	}
	return d, nil
}

// acceptLoop drains every pending connection on a listen-socket fd,
// registering each as an anonymous socket-read descriptor under the
// fixed TCP_SOCKET source name.
func (m *Manager) acceptLoop(listener *Descriptor) {
	for {
		fd, ok, err := acceptOne(listener.FD)
		if err != nil {
			logger.Warnf("listener %s: accept: %v", listener.Symbol, err)
			return
		}
		if !ok {
			return
		}
		client := &Descriptor{
			Origin: &Origin{Symbol: "TCP_SOCKET", Kind: SocketRead},
			Kind:   SocketRead,
			Symbol: "", // accepted client sockets are anonymous, never registered
			FD:     fd,
			Reader: linereader.New(),
			hooks:  defaultBehavior{},
		}
		client.activeIdx = -1 // not on the active list until toActiveAnonymous
		m.bindFD(client)
		m.toActiveAnonymous(client)
		if err := m.Poller.RegisterRead(fd); err != nil {
			logger.Warnf("listener %s: register accepted fd: %v", listener.Symbol, err)
		}
	}
}

func isMissingErr(err error) bool {
	return err != nil && (isENOENT(err))
}

// toActive transitions d into ACTIVE, registering it in the symbol
// table (unless its symbol is empty, i.e. an anonymous client socket --
// handled by toActiveAnonymous instead) and the active list, then runs
// its OnActivate hook.
func (m *Manager) toActive(d *Descriptor) {
	d.State = StateActive
	if d.Symbol != "" {
		m.symtab.Register(d.Symbol, d)
	}
	m.addActive(d)
	if err := d.hooks.OnActivate(m, d); err != nil {
		logger.Warnf("descriptor %s: OnActivate: %v", d.Symbol, err)
	}
}

func (m *Manager) toActiveAnonymous(d *Descriptor) {
	d.State = StateActive
	m.addActive(d)
}

func (m *Manager) addActive(d *Descriptor) {
	if d.activeIdx >= 0 {
		return
	}
	d.activeIdx = len(m.active)
	m.active = append(m.active, d)
}

func (m *Manager) removeActive(d *Descriptor) {
	idx := d.activeIdx
	if idx < 0 || idx >= len(m.active) || m.active[idx] != d {
		return
	}
	m.active = append(m.active[:idx], m.active[idx+1:]...)
	for i := idx; i < len(m.active); i++ {
		m.active[i].activeIdx = i
	}
	d.activeIdx = -1
}

// toPendingKeepQueue reverts a write-socket descriptor to PENDING on
// peer-gone, keeping its Writer intact so no buffered output is lost
// across the reconnect.
func (m *Manager) toPendingKeepQueue(d *Descriptor) {
	d.hooks.OnDeactivate(m, d)
	m.removeActive(d)
	if d.Symbol != "" {
		m.symtab.Deregister(d.Symbol)
	}
	delete(m.pendingReads, d.FD)
	m.Poller.Unregister(d.FD)
	m.unbindFD(d)
	_ = closeFD(d.FD)
	d.FD = -1
	d.State = StatePending
}

// toDrain promotes a read-side descriptor to DRAIN on peer EOF. It
// stays in the active list and pending-reads table until the idle path
// drains its remaining buffered lines and closes it.
func (m *Manager) toDrain(d *Descriptor) {
	if d.State == StateDrain || d.State == StateDrainRotate {
		return
	}
	d.State = StateDrain
	m.pendingReads[d.FD] = d
}

// toDrainRotate promotes a file-read descriptor to DRAIN_ROTATE on an
// observed unlink/rename of its open path. It is read until EOF by the
// idle path, then ResetAndReopen closes and reopens it from the start.
func (m *Manager) toDrainRotate(d *Descriptor) {
	if d.State == StateDrainRotate {
		return
	}
	d.State = StateDrainRotate
	m.pendingReads[d.FD] = d
}

// ResetAndReopen closes the fd, resets the descriptor to INIT, and
// reopens it via its origin from the start with buffers kept.
func (m *Manager) ResetAndReopen(d *Descriptor) (*Descriptor, error) {
	m.removeActive(d)
	delete(m.pendingReads, d.FD)
	m.clearVnodeTags(d)
	m.Poller.Unregister(d.FD)
	m.unbindFD(d)
	_ = closeFD(d.FD)
	d.FD = -1
	d.State = StateInit
	return m.OpenDescriptor(d.Origin, d, nil, SeekToStart|KeepBuffers)
}

// CloseDescriptor tears d down unconditionally and idempotently,
// removing it from every auxiliary table: event registration, symbol
// table, active list, pending reads.
func (m *Manager) CloseDescriptor(d *Descriptor) {
	if d.State == StateDead {
		return
	}
	d.hooks.OnDeactivate(m, d)
	m.removeActive(d)
	if d.Symbol != "" {
		m.symtab.Deregister(d.Symbol)
	}
	delete(m.pendingReads, d.FD)
	m.clearVnodeTags(d)
	if d.FD >= 0 {
		m.Poller.Unregister(d.FD)
		m.unbindFD(d)
		_ = closeFD(d.FD)
	}
	d.FD = -1
	d.State = StateDead
}

// rotateNow renames a rotated-log descriptor's current path to its
// timestamp suffix, then reopens through the common file-write path,
// which recreates it.
func (m *Manager) rotateNow(d *Descriptor, st *rotatedLogHookState) {
	now := time.Now()
	if _, err := rotatelog.Rotate(d.Origin.Path, now); err != nil {
		logger.Errorf("rotatelog %s: %v", d.Symbol, err)
		return
	}
	m.removeActive(d)
	if d.Symbol != "" {
		m.symtab.Deregister(d.Symbol)
	}
	m.unbindFD(d)
	_ = closeFD(d.FD)
	d.FD = -1
	d.State = StateInit
	if _, err := m.OpenDescriptor(d.Origin, d, nil, 0); err != nil {
		logger.Errorf("rotatelog %s: reopen after rotate: %v", d.Symbol, err)
		return
	}
	st.bytesWritten = 0
	if m.OnRotate != nil {
		m.OnRotate()
	}
}
