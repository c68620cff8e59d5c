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
	"syscall"

	"github.com/dlogd/dlogd/internal/logger"
	"golang.org/x/sys/unix"
)

// fdWriter adapts a raw fd to writequeue.Writer's vectored-write
// surface.
type fdWriter int

func (w fdWriter) Writev(iovs [][]byte) (int, error) {
	n, err := unix.Writev(int(w), iovs)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return 0, syscall.EAGAIN
		}
		return n, err
	}
	return n, nil
}

// HandleReadReady drains fd until EAGAIN or until MaxChunkBytes has
// been read this cycle, feeding every complete line the reader yields
// to OnLine tagged with the descriptor's source symbol. A
// listen-socket's PreRead hook handles the event itself and no read is
// attempted. Exceeding the per-cycle chunk cap re-enqueues d in the
// pending-reads table so one hot source cannot starve others.
func (m *Manager) HandleReadReady(d *Descriptor, readHint int) {
	skip, err := d.hooks.PreRead(m, d)
	if err != nil {
		logger.Warnf("descriptor %s: PreRead: %v", d.Symbol, err)
	}
	if skip {
		return
	}
	if d.Reader == nil {
		return
	}

	source := d.Symbol
	if source == "" {
		source = d.Origin.Symbol
	}

	totalRead := 0
	for totalRead < MaxChunkBytes {
		hint := 4096
		if readHint > 0 {
			hint = readHint
		}
		buf := d.Reader.GetBuffer(hint)
		n, rerr := unix.Read(d.FD, buf)
		if n > 0 {
			d.Reader.BufferFill(n)
			totalRead += n
			for {
				line, ok := d.Reader.NextLine()
				if !ok {
					break
				}
				if m.OnLine != nil {
					m.OnLine(source, line)
				}
			}
		}
		if rerr != nil {
			if rerr == unix.EAGAIN || rerr == unix.EWOULDBLOCK {
				delete(m.pendingReads, d.FD)
				return
			}
			logger.Warnf("descriptor %s: read: %v", d.Symbol, rerr)
			m.handleReadError(d)
			return
		}
		if n == 0 {
			m.handleReadEOF(d)
			return
		}
		readHint = 0 // only the triggering event's hint is meaningful
	}
	// Chunk cap hit with more possibly available: service the rest on
	// the idle path next cycle.
	m.pendingReads[d.FD] = d
}

// handleReadEOF reacts to read(2) returning zero. A socket peer closing
// promotes to DRAIN and, with the buffers now empty, straight to close;
// a DRAIN_ROTATE file that has been read dry is reopened from the start
// via its origin. A plain file at its current tail is neither: it stays
// ACTIVE waiting for the next modify notification.
func (m *Manager) handleReadEOF(d *Descriptor) {
	delete(m.pendingReads, d.FD)
	if d.Kind == SocketRead && d.State == StateActive {
		m.toDrain(d)
		delete(m.pendingReads, d.FD)
	}
	switch {
	case d.State == StateDrain:
		m.CloseDescriptor(d)
	case d.Kind == FileRead && d.State == StateDrainRotate:
		if _, err := m.ResetAndReopen(d); err != nil {
			logger.Errorf("descriptor %s: reopen after DRAIN_ROTATE: %v", d.Symbol, err)
		}
	}
}

func (m *Manager) handleReadError(d *Descriptor) {
	delete(m.pendingReads, d.FD)
	m.CloseDescriptor(d)
}

// DrainIdle services every descriptor left in the pending-reads table
// whose state is ACTIVE/DRAIN/DRAIN_ROTATE of a read-side kind; the
// EOF handling inside HandleReadReady closes or reopens them as they
// run dry.
func (m *Manager) DrainIdle() {
	for fd, d := range m.pendingReads {
		if !d.Kind.IsReadSide() {
			delete(m.pendingReads, fd)
			continue
		}
		switch d.State {
		case StateActive, StateDrain, StateDrainRotate:
			m.HandleReadReady(d, 0)
		default:
			delete(m.pendingReads, fd)
		}
	}
}

// HandleWriteReady flushes d's write queue, or completes a pending
// non-blocking connect if d is a PENDING socket-write descriptor,
// since connect completion is signaled as write-readiness.
func (m *Manager) HandleWriteReady(d *Descriptor) {
	if d.State == StatePending && d.Kind == SocketWrite {
		if err := m.CompleteConnect(d); err != nil {
			logger.Warnf("descriptor %s: CompleteConnect: %v", d.Symbol, err)
		}
		return
	}
	if d.Writer == nil {
		return
	}
	n, err := d.Writer.Write(fdWriter(d.FD))
	d.hooks.PostLineWrite(m, d, n, err)
	if err != nil && d.State != StatePending {
		logger.Warnf("descriptor %s: write: %v", d.Symbol, err)
	}
}

// FlushAllWriteSide submits one write-queue drain attempt for every
// currently active write-side descriptor, best-effort, used by the
// restart hand-off and shutdown paths.
func (m *Manager) FlushAllWriteSide() {
	for _, d := range m.active {
		if d.Kind.IsReadSide() || d.Writer == nil {
			continue
		}
		m.HandleWriteReady(d)
	}
}

// Write looks destSymbol up in the symbol table and appends line, with
// a guaranteed trailing newline, to that descriptor's write queue.
// Overflow is logged and the line dropped, never erroring the rule
// tree.
func (m *Manager) Write(destSymbol, line string) {
	d, ok := m.symtab.Lookup(destSymbol)
	if !ok {
		logger.Warnf("write: unknown destination symbol %q", destSymbol)
		return
	}
	if d.Writer == nil {
		return
	}
	buf := []byte(line)
	if len(buf) == 0 || buf[len(buf)-1] != '\n' {
		buf = append(buf, '\n')
	}
	if err := d.Writer.AddLine(buf); err != nil {
		logger.Warnf("write: %s: %v", destSymbol, err)
		if m.OnDrop != nil {
			m.OnDrop()
		}
		return
	}
	// Attempt the drain right away; backpressure leaves the residue for
	// the next write-readiness event.
	if d.State == StateActive {
		n, werr := d.Writer.Write(fdWriter(d.FD))
		d.hooks.PostLineWrite(m, d, n, werr)
		if werr != nil && d.State != StatePending {
			logger.Warnf("write: %s: %v", destSymbol, werr)
		}
	}
}
