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
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dlogd/dlogd/internal/ioloop"
)

// fakePoller records registrations so state-machine tests can run
// without a live epoll/kqueue instance.
type fakePoller struct {
	reads       map[int]bool
	writes      map[int]bool
	vnodeWatch  map[string]uintptr
	deleteWatch map[string]uintptr
	modifyWatch map[string]uintptr
	unwatched   []uintptr
}

func newFakePoller() *fakePoller {
	return &fakePoller{
		reads:       make(map[int]bool),
		writes:      make(map[int]bool),
		vnodeWatch:  make(map[string]uintptr),
		deleteWatch: make(map[string]uintptr),
		modifyWatch: make(map[string]uintptr),
	}
}

func (p *fakePoller) RegisterRead(fd int) error  { p.reads[fd] = true; return nil }
func (p *fakePoller) RegisterWrite(fd int) error { p.writes[fd] = true; return nil }
func (p *fakePoller) Unregister(fd int) error    { delete(p.reads, fd); delete(p.writes, fd); return nil }
func (p *fakePoller) WatchVnode(path string, tag uintptr) error {
	p.vnodeWatch[path] = tag
	return nil
}
func (p *fakePoller) RegisterVnodeDelete(fd int, path string, tag uintptr) error {
	p.deleteWatch[path] = tag
	return nil
}
func (p *fakePoller) WatchFileModify(fd int, path string, tag uintptr) error {
	p.modifyWatch[path] = tag
	return nil
}
func (p *fakePoller) UnwatchVnode(tag uintptr) error {
	p.unwatched = append(p.unwatched, tag)
	return nil
}
func (p *fakePoller) Wait(out []ioloop.Event, timeoutMs int) (int, error) { return 0, nil }
func (p *fakePoller) Close() error                                       { return nil }

func TestOpenFileWriteActivatesAndWrites(t *testing.T) {
	poller := newFakePoller()
	m := NewManager(poller)
	path := filepath.Join(t.TempDir(), "b.log")
	o := &Origin{Symbol: "B", Kind: FileWrite, Path: path}
	m.AddOrigin(o)

	d, err := m.OpenDescriptor(o, nil, nil, 0)
	require.NoError(t, err)
	assert.Equal(t, StateActive, d.State)

	got, ok := m.Lookup("B")
	require.True(t, ok)
	assert.Same(t, d, got)
	byFD, ok := m.DescriptorByFD(d.FD)
	require.True(t, ok)
	assert.Same(t, d, byFD)

	// Write ensures the trailing newline and drains immediately.
	m.Write("B", "world")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "world\n", string(data))
	assert.Equal(t, 0, d.Writer.Len())

	m.CloseDescriptor(d)
	assert.Equal(t, StateDead, d.State)
	_, ok = m.Lookup("B")
	assert.False(t, ok)
	assert.Empty(t, m.ActiveList())

	// Idempotent close.
	m.CloseDescriptor(d)
	assert.Equal(t, StateDead, d.State)
}

func TestOpenMissingFileReadGoesPendingThenActivates(t *testing.T) {
	poller := newFakePoller()
	m := NewManager(poller)
	path := filepath.Join(t.TempDir(), "a.log")
	o := &Origin{Symbol: "A", Kind: FileRead, Path: path}
	m.AddOrigin(o)

	d, err := m.OpenDescriptor(o, nil, nil, 0)
	require.NoError(t, err)
	assert.Equal(t, StatePending, d.State)
	tag, watched := poller.vnodeWatch[path]
	require.True(t, watched)

	// The waited-for path appears: the vnode event reopens it from the
	// start.
	require.NoError(t, os.WriteFile(path, []byte("one\n"), 0o644))
	m.HandleVnodeEvent(ioloop.Event{Kind: ioloop.EventVnode, VnodeTag: tag, Appeared: true})
	assert.Equal(t, StateActive, d.State)

	var lines []string
	m.OnLine = func(source string, line []byte) {
		lines = append(lines, source+":"+string(line))
	}
	m.HandleReadReady(d, 0)
	assert.Equal(t, []string{"A:one\n"}, lines)
}

func TestReadFeedsLinesAndKeepsPartialTail(t *testing.T) {
	poller := newFakePoller()
	m := NewManager(poller)
	dir := t.TempDir()
	path := filepath.Join(dir, "a.log")
	require.NoError(t, os.WriteFile(path, []byte("first\nsecond\npart"), 0o644))

	o := &Origin{Symbol: "A", Kind: FileRead, Path: path}
	m.AddOrigin(o)
	d, err := m.OpenDescriptor(o, nil, nil, SeekToStart)
	require.NoError(t, err)
	require.Equal(t, StateActive, d.State)

	var lines []string
	m.OnLine = func(source string, line []byte) { lines = append(lines, string(line)) }
	m.HandleReadReady(d, 0)
	assert.Equal(t, []string{"first\n", "second\n"}, lines)

	// The partial tail stays buffered; appending its newline completes
	// the record with no bytes lost at the seam.
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0)
	require.NoError(t, err)
	_, err = f.WriteString("ial\n")
	require.NoError(t, err)
	f.Close()

	lines = nil
	m.HandleReadReady(d, 0)
	assert.Equal(t, []string{"partial\n"}, lines)
}

func TestVnodeDeletePromotesToDrainRotate(t *testing.T) {
	poller := newFakePoller()
	m := NewManager(poller)
	path := filepath.Join(t.TempDir(), "a.log")
	require.NoError(t, os.WriteFile(path, []byte("tail\n"), 0o644))

	o := &Origin{Symbol: "A", Kind: FileRead, Path: path}
	m.AddOrigin(o)
	d, err := m.OpenDescriptor(o, nil, nil, SeekToStart)
	require.NoError(t, err)

	tag, ok := poller.deleteWatch[path]
	require.True(t, ok)
	m.HandleVnodeEvent(ioloop.Event{Kind: ioloop.EventVnode, Fd: d.FD, VnodeTag: tag, Appeared: false})
	assert.Equal(t, StateDrainRotate, d.State)

	// Draining to EOF triggers the reset-and-reopen cycle; the file
	// still resolves here, so the reopen lands ACTIVE at offset zero.
	var lines []string
	m.OnLine = func(source string, line []byte) { lines = append(lines, string(line)) }
	m.DrainIdle()
	assert.Equal(t, []string{"tail\n"}, lines)
	assert.Equal(t, StateActive, d.State)

	// Reopened from the start: the same bytes come back.
	lines = nil
	m.HandleReadReady(d, 0)
	assert.Equal(t, []string{"tail\n"}, lines)
}

func TestSocketReadEOFDrainsAndCloses(t *testing.T) {
	poller := newFakePoller()
	m := NewManager(poller)

	r, w, err := os.Pipe()
	require.NoError(t, err)
	_, err = w.WriteString("last line\n")
	require.NoError(t, err)
	w.Close()

	o := &Origin{Symbol: "TCP_SOCKET", Kind: SocketRead}
	d, err := m.OpenDescriptor(o, nil, &InheritedState{FD: int(r.Fd()), Kind: SocketRead}, 0)
	require.NoError(t, err)
	require.Equal(t, StateActive, d.State)

	var lines []string
	m.OnLine = func(source string, line []byte) { lines = append(lines, string(line)) }
	m.HandleReadReady(d, 0)

	assert.Equal(t, []string{"last line\n"}, lines)
	assert.Equal(t, StateDead, d.State)
	assert.Empty(t, m.ActiveList())
}

func TestSocketWriteRefusedConnectStaysPending(t *testing.T) {
	// Grab a local port with nothing listening on it.
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	m := NewManager(newFakePoller())
	o := &Origin{Symbol: "S", Kind: SocketWrite, Host: "127.0.0.1", Port: port}
	m.AddOrigin(o)

	// Whether the refusal arrives synchronously or after EINPROGRESS,
	// the descriptor must come up PENDING with its queue provisioned,
	// never DEAD.
	d, err := m.OpenDescriptor(o, nil, nil, 0)
	require.NoError(t, err)
	assert.Equal(t, StatePending, d.State)
	require.NotNil(t, d.Writer)

	// Queued lines survive the wait for the retry path.
	require.NoError(t, d.Writer.AddLine([]byte("queued\n")))
	assert.Equal(t, 1, d.Writer.Len())
}

func TestWriteUnknownSymbolIsDropped(t *testing.T) {
	m := NewManager(newFakePoller())
	drops := 0
	m.OnDrop = func() { drops++ }
	m.Write("NOBODY", "line")
	// Unknown destination is logged, not counted as a queue drop.
	assert.Equal(t, 0, drops)
}
