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

//go:build darwin || freebsd || netbsd || openbsd

package ioloop

import (
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

// bsdPoller is the kqueue+EVFILT_VNODE backend. Unlike the Linux
// backend, a single kqueue fd carries socket/fifo readiness and vnode
// notifications together; events are told apart by which table their
// Ident (always a plain fd, unique per open descriptor in this
// process) is found in.
type bsdPoller struct {
	kq int
	mu sync.Mutex

	// dirWatches: open directory fd -> state, registered once per
	// distinct parent directory and shared by every file awaited
	// inside it.
	dirWatches map[int]*bsdDirWatch
	dirByPath  map[string]int

	// fileWatches: open file fd -> state, combining the delete/rename
	// watch and the write/extend watch on the same EVFILT_VNODE
	// registration, since kqueue allows only one filter entry per
	// (ident, filter) pair.
	fileWatches map[int]*bsdFileWatch
}

type bsdDirWatch struct {
	path    string
	pending map[string]uintptr
}

type bsdFileWatch struct {
	tag  uintptr
	path string
}

func NewPoller() (Poller, error) {
	kq, err := unix.Kqueue()
	if err != nil {
		return nil, fmt.Errorf("ioloop: kqueue: %w", err)
	}
	return &bsdPoller{
		kq:          kq,
		dirWatches:  make(map[int]*bsdDirWatch),
		dirByPath:   make(map[string]int),
		fileWatches: make(map[int]*bsdFileWatch),
	}, nil
}

func (p *bsdPoller) submit(ev unix.Kevent_t) error {
	changes := []unix.Kevent_t{ev}
	_, err := unix.Kevent(p.kq, changes, nil, nil)
	return err
}

func (p *bsdPoller) RegisterRead(fd int) error {
	return p.submit(unix.Kevent_t{
		Ident:  uint64(fd),
		Filter: unix.EVFILT_READ,
		Flags:  unix.EV_ADD | unix.EV_CLEAR,
	})
}

func (p *bsdPoller) RegisterWrite(fd int) error {
	return p.submit(unix.Kevent_t{
		Ident:  uint64(fd),
		Filter: unix.EVFILT_WRITE,
		Flags:  unix.EV_ADD | unix.EV_CLEAR,
	})
}

func (p *bsdPoller) Unregister(fd int) error {
	_ = p.submit(unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_READ, Flags: unix.EV_DELETE})
	_ = p.submit(unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_WRITE, Flags: unix.EV_DELETE})

	p.mu.Lock()
	defer p.mu.Unlock()
	if fw, ok := p.fileWatches[fd]; ok {
		_ = p.submit(unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_VNODE, Flags: unix.EV_DELETE})
		_ = fw
		delete(p.fileWatches, fd)
	}
	if dw, ok := p.dirWatches[fd]; ok {
		_ = p.submit(unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_VNODE, Flags: unix.EV_DELETE})
		delete(p.dirByPath, dw.path)
		delete(p.dirWatches, fd)
		unix.Close(fd)
	}
	return nil
}

func (p *bsdPoller) WatchVnode(path string, tag uintptr) error {
	dir, base := splitDirBase(path)

	p.mu.Lock()
	defer p.mu.Unlock()

	fd, ok := p.dirByPath[dir]
	if !ok {
		var err error
		fd, err = unix.Open(dir, unix.O_RDONLY|unix.O_NONBLOCK, 0)
		if err != nil {
			return fmt.Errorf("ioloop: open dir %s: %w", dir, err)
		}
		if err := p.submit(unix.Kevent_t{
			Ident:  uint64(fd),
			Filter: unix.EVFILT_VNODE,
			Flags:  unix.EV_ADD | unix.EV_CLEAR,
			Fflags: unix.NOTE_WRITE | unix.NOTE_EXTEND,
		}); err != nil {
			unix.Close(fd)
			return fmt.Errorf("ioloop: kevent add dir watch %s: %w", dir, err)
		}
		p.dirByPath[dir] = fd
		p.dirWatches[fd] = &bsdDirWatch{path: dir, pending: make(map[string]uintptr)}
	}
	p.dirWatches[fd].pending[base] = tag
	return nil
}

func (p *bsdPoller) registerVnodeFile(fd int, path string, tag uintptr) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.submit(unix.Kevent_t{
		Ident:  uint64(fd),
		Filter: unix.EVFILT_VNODE,
		Flags:  unix.EV_ADD | unix.EV_CLEAR,
		Fflags: unix.NOTE_DELETE | unix.NOTE_RENAME | unix.NOTE_WRITE | unix.NOTE_EXTEND,
	}); err != nil {
		return fmt.Errorf("ioloop: kevent add file watch %s: %w", path, err)
	}
	p.fileWatches[fd] = &bsdFileWatch{tag: tag, path: path}
	return nil
}

func (p *bsdPoller) RegisterVnodeDelete(fd int, path string, tag uintptr) error {
	return p.registerVnodeFile(fd, path, tag)
}

func (p *bsdPoller) WatchFileModify(fd int, path string, tag uintptr) error {
	return p.registerVnodeFile(fd, path, tag)
}

func (p *bsdPoller) UnwatchVnode(tag uintptr) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for fd, dw := range p.dirWatches {
		for base, t := range dw.pending {
			if t == tag {
				delete(dw.pending, base)
			}
		}
		if len(dw.pending) == 0 {
			_ = p.submit(unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_VNODE, Flags: unix.EV_DELETE})
			delete(p.dirByPath, dw.path)
			delete(p.dirWatches, fd)
			unix.Close(fd)
		}
	}
	for fd, fw := range p.fileWatches {
		if fw.tag == tag {
			_ = p.submit(unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_VNODE, Flags: unix.EV_DELETE})
			delete(p.fileWatches, fd)
		}
	}
	return nil
}

const maxKevents = 256

func (p *bsdPoller) Wait(out []Event, timeoutMs int) (int, error) {
	var ts unix.Timespec
	ts.Sec = int64(timeoutMs / 1000)
	ts.Nsec = int64((timeoutMs % 1000) * 1_000_000)

	var raw [maxKevents]unix.Kevent_t
	n, err := unix.Kevent(p.kq, nil, raw[:], &ts)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, fmt.Errorf("ioloop: kevent wait: %w", err)
	}

	count := 0
	p.mu.Lock()
	for i := 0; i < n && count < len(out); i++ {
		ev := raw[i]
		fd := int(ev.Ident)

		switch ev.Filter {
		case unix.EVFILT_READ:
			out[count] = Event{
				Kind:     EventReadiness,
				Fd:       fd,
				Readable: true,
				EOF:      ev.Flags&unix.EV_EOF != 0,
				ReadHint: int(ev.Data),
			}
			count++
		case unix.EVFILT_WRITE:
			out[count] = Event{
				Kind:     EventReadiness,
				Fd:       fd,
				Writable: true,
				EOF:      ev.Flags&unix.EV_EOF != 0,
			}
			count++
		case unix.EVFILT_VNODE:
			if dw, ok := p.dirWatches[fd]; ok {
				for base, tag := range dw.pending {
					if !pathAccessible(dw.path + "/" + base) {
						continue
					}
					if count >= len(out) {
						break
					}
					delete(dw.pending, base)
					out[count] = Event{Kind: EventVnode, VnodeTag: tag, Basename: base, Appeared: true}
					count++
				}
				continue
			}
			if fw, ok := p.fileWatches[fd]; ok {
				if ev.Fflags&(unix.NOTE_DELETE|unix.NOTE_RENAME) != 0 {
					out[count] = Event{Kind: EventVnode, Fd: fd, VnodeTag: fw.tag, Appeared: false}
					count++
				} else if ev.Fflags&(unix.NOTE_WRITE|unix.NOTE_EXTEND) != 0 {
					out[count] = Event{Kind: EventReadiness, Fd: fd, Readable: true}
					count++
				}
			}
		}
	}
	p.mu.Unlock()
	return count, nil
}

func (p *bsdPoller) Close() error {
	return unix.Close(p.kq)
}

func pathAccessible(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}

func splitDirBase(path string) (string, string) {
	i := len(path) - 1
	for i >= 0 && path[i] != '/' {
		i--
	}
	if i < 0 {
		return ".", path
	}
	if i == 0 {
		return "/", path[1:]
	}
	return path[:i], path[i+1:]
}
