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

//go:build linux

package ioloop

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"
)

// linuxPoller is the epoll+inotify backend. One inotify instance is
// shared for both directory-creation watches and per-file modify/attrib
// watches.
type linuxPoller struct {
	epfd  int
	inofd int

	mu sync.Mutex

	// epollRegistered tracks each fd's currently-armed event mask so
	// RegisterRead/RegisterWrite know ADD vs MOD, matching the usual
	// epoll_ctl bookkeeping every epoll wrapper needs to carry itself.
	epollRegistered map[int]uint32

	// dirWatches: inotify watch descriptor -> directory state, for
	// IN_CREATE/IN_MOVED_TO (file-appearance) watches.
	dirWatches map[int32]*dirWatch
	// dirByPath avoids adding the same directory watch twice when two
	// origins share a parent directory.
	dirByPath map[string]int32

	// fileWatches: inotify watch descriptor -> file state, for
	// IN_MODIFY (new data) and IN_ATTRIB (possible unlink/rename)
	// watches kept on the file's own path.
	fileWatches map[int32]*fileWatch
}

type dirWatch struct {
	path string
	// pending maps a basename this process is waiting to see appear to
	// the tag the caller should receive when it does.
	pending map[string]uintptr
}

type fileWatch struct {
	tag      uintptr
	fd       int
	path     string
	nlinkAtReg uint64
}

// NewPoller constructs the platform-selected backend; engine code calls
// this one entry point regardless of GOOS.
func NewPoller() (Poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("ioloop: epoll_create1: %w", err)
	}
	inofd, err := unix.InotifyInit1(unix.IN_NONBLOCK | unix.IN_CLOEXEC)
	if err != nil {
		unix.Close(epfd)
		return nil, fmt.Errorf("ioloop: inotify_init1: %w", err)
	}
	p := &linuxPoller{
		epfd:            epfd,
		inofd:           inofd,
		epollRegistered: make(map[int]uint32),
		dirWatches:      make(map[int32]*dirWatch),
		dirByPath:       make(map[string]int32),
		fileWatches:     make(map[int32]*fileWatch),
	}
	if err := p.epollAdd(inofd, unix.EPOLLIN); err != nil {
		p.Close()
		return nil, err
	}
	return p, nil
}

func (p *linuxPoller) epollAdd(fd int, events uint32) error {
	ev := unix.EpollEvent{Events: events | unix.EPOLLET}
	ev.Fd = int32(fd)
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev)
}

func (p *linuxPoller) epollMod(fd int, events uint32) error {
	ev := unix.EpollEvent{Events: events | unix.EPOLLET}
	ev.Fd = int32(fd)
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, &ev)
}

func (p *linuxPoller) register(fd int, add uint32) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	cur, ok := p.epollRegistered[fd]
	events := cur | add
	var err error
	if !ok {
		err = p.epollAdd(fd, events)
	} else if cur != events {
		err = p.epollMod(fd, events)
	}
	if err != nil {
		return fmt.Errorf("ioloop: epoll_ctl fd=%d: %w", fd, err)
	}
	p.epollRegistered[fd] = events
	return nil
}

func (p *linuxPoller) RegisterRead(fd int) error  { return p.register(fd, unix.EPOLLIN) }
func (p *linuxPoller) RegisterWrite(fd int) error { return p.register(fd, unix.EPOLLOUT) }

func (p *linuxPoller) Unregister(fd int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.epollRegistered[fd]; !ok {
		return nil
	}
	delete(p.epollRegistered, fd)
	err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	if err != nil && err != unix.ENOENT {
		return fmt.Errorf("ioloop: epoll_ctl del fd=%d: %w", fd, err)
	}
	return nil
}

func (p *linuxPoller) WatchVnode(path string, tag uintptr) error {
	dir, base := filepath.Split(path)
	if dir == "" {
		dir = "."
	}
	dir = filepath.Clean(dir)

	p.mu.Lock()
	defer p.mu.Unlock()

	wd, ok := p.dirByPath[dir]
	if !ok {
		w, err := unix.InotifyAddWatch(p.inofd, dir, unix.IN_CREATE|unix.IN_MOVED_TO)
		if err != nil {
			return fmt.Errorf("ioloop: inotify_add_watch dir %s: %w", dir, err)
		}
		wd = int32(w)
		p.dirByPath[dir] = wd
		p.dirWatches[wd] = &dirWatch{path: dir, pending: make(map[string]uintptr)}
	}
	p.dirWatches[wd].pending[base] = tag
	return nil
}

func (p *linuxPoller) RegisterVnodeDelete(fd int, path string, tag uintptr) error {
	return p.watchFile(fd, path, tag, unix.IN_ATTRIB|unix.IN_MASK_ADD)
}

func (p *linuxPoller) WatchFileModify(fd int, path string, tag uintptr) error {
	return p.watchFile(fd, path, tag, unix.IN_MODIFY|unix.IN_ATTRIB)
}

func (p *linuxPoller) watchFile(fd int, path string, tag uintptr, mask uint32) error {
	var st unix.Stat_t
	nlink := uint64(1)
	if err := unix.Stat(path, &st); err == nil {
		nlink = uint64(st.Nlink)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	w, err := unix.InotifyAddWatch(p.inofd, path, mask)
	if err != nil {
		return fmt.Errorf("ioloop: inotify_add_watch file %s: %w", path, err)
	}
	wd := int32(w)
	if existing, ok := p.fileWatches[wd]; ok {
		existing.tag = tag
		existing.fd = fd
		existing.nlinkAtReg = nlink
		return nil
	}
	p.fileWatches[wd] = &fileWatch{tag: tag, fd: fd, path: path, nlinkAtReg: nlink}
	return nil
}

func (p *linuxPoller) UnwatchVnode(tag uintptr) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for wd, dw := range p.dirWatches {
		for base, t := range dw.pending {
			if t == tag {
				delete(dw.pending, base)
			}
		}
		if len(dw.pending) == 0 {
			unix.InotifyRmWatch(p.inofd, uint32(wd))
			delete(p.dirWatches, wd)
			delete(p.dirByPath, dw.path)
		}
	}
	for wd, fw := range p.fileWatches {
		if fw.tag == tag {
			unix.InotifyRmWatch(p.inofd, uint32(wd))
			delete(p.fileWatches, wd)
		}
	}
	return nil
}

const maxEpollEvents = 256

// Wait multiplexes epoll_wait and, when the inotify fd itself becomes
// readable, a drain-and-decode pass over the raw inotify_event stream.
// Both result in Events appended to out, one uniform readiness feed.
func (p *linuxPoller) Wait(out []Event, timeoutMs int) (int, error) {
	var raw [maxEpollEvents]unix.EpollEvent
	n, err := unix.EpollWait(p.epfd, raw[:], timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, fmt.Errorf("ioloop: epoll_wait: %w", err)
	}

	count := 0
	for i := 0; i < n && count < len(out); i++ {
		fd := int(raw[i].Fd)
		if fd == p.inofd {
			added := p.drainInotify(out[count:])
			count += added
			continue
		}
		out[count] = Event{
			Kind:     EventReadiness,
			Fd:       fd,
			Readable: raw[i].Events&(unix.EPOLLIN|unix.EPOLLHUP) != 0,
			Writable: raw[i].Events&unix.EPOLLOUT != 0,
			EOF:      raw[i].Events&unix.EPOLLHUP != 0,
			Err:      raw[i].Events&unix.EPOLLERR != 0,
		}
		count++
	}
	return count, nil
}

// drainInotify reads and decodes as many raw inotify_event records as
// are currently queued, translating IN_CREATE/IN_MOVED_TO into
// EventVnode{Appeared:true} and a confirmed IN_ATTRIB-driven
// link-count/path check into EventVnode{Appeared:false}.
func (p *linuxPoller) drainInotify(out []Event) int {
	var buf [8192]byte
	count := 0
	for count < len(out) {
		n, err := unix.Read(p.inofd, buf[:])
		if err != nil {
			if err == syscall.EAGAIN || err == syscall.EWOULDBLOCK {
				return count
			}
			return count
		}
		off := 0
		for off+unix.SizeofInotifyEvent <= n && count < len(out) {
			raw := (*unix.InotifyEvent)(unsafe.Pointer(&buf[off]))
			nameLen := int(raw.Len)
			var name string
			if nameLen > 0 {
				nameBytes := buf[off+unix.SizeofInotifyEvent : off+unix.SizeofInotifyEvent+nameLen]
				if z := indexZero(nameBytes); z >= 0 {
					nameBytes = nameBytes[:z]
				}
				name = string(nameBytes)
			}
			wd := raw.Wd
			mask := raw.Mask

			p.mu.Lock()
			if dw, ok := p.dirWatches[wd]; ok && mask&(unix.IN_CREATE|unix.IN_MOVED_TO) != 0 {
				if tag, waiting := dw.pending[name]; waiting {
					delete(dw.pending, name)
					p.mu.Unlock()
					out[count] = Event{Kind: EventVnode, VnodeTag: tag, Basename: name, Appeared: true}
					count++
					off += unix.SizeofInotifyEvent + nameLen
					continue
				}
			}
			if fw, ok := p.fileWatches[wd]; ok && mask&unix.IN_ATTRIB != 0 {
				gone := fileGone(fw.path, fw.nlinkAtReg)
				p.mu.Unlock()
				if gone {
					out[count] = Event{Kind: EventVnode, Fd: fw.fd, VnodeTag: fw.tag, Appeared: false}
					count++
				}
				off += unix.SizeofInotifyEvent + nameLen
				continue
			}
			if fw, ok := p.fileWatches[wd]; ok && mask&unix.IN_MODIFY != 0 {
				p.mu.Unlock()
				out[count] = Event{Kind: EventReadiness, Fd: fw.fd, Readable: true}
				count++
				off += unix.SizeofInotifyEvent + nameLen
				continue
			}
			p.mu.Unlock()
			off += unix.SizeofInotifyEvent + nameLen
		}
	}
	return count
}

// fileGone re-stats path and reports whether its link count dropped
// and the path no longer resolves, the two conditions required jointly
// before promoting to DRAIN_ROTATE.
func fileGone(path string, nlinkAtReg uint64) bool {
	var st unix.Stat_t
	err := unix.Stat(path, &st)
	if err == nil && uint64(st.Nlink) >= nlinkAtReg {
		return false
	}
	if os.IsNotExist(err) {
		return true
	}
	return err != nil || uint64(st.Nlink) < nlinkAtReg
}

func indexZero(b []byte) int {
	for i, c := range b {
		if c == 0 {
			return i
		}
	}
	return -1
}

func (p *linuxPoller) Close() error {
	unix.Close(p.inofd)
	return unix.Close(p.epfd)
}
