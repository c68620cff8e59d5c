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

//go:build unix

// Low-level endpoint construction: every syscall dlogd needs to turn an
// Origin into a live non-blocking fd, grounded on the OS-facing style of
// the retrieval pack's raw-syscall network code (golang.org/x/sys/unix
// socket/accept4/connect sequences) rather than net.Conn, since the fd
// must be handed directly to internal/ioloop's own epoll/kqueue
// registration instead of Go's runtime netpoller.
package descriptor

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

func setNonblockCloexec(fd int) error {
	if err := unix.SetNonblock(fd, true); err != nil {
		return err
	}
	unix.CloseOnExec(fd)
	return nil
}

// openFileRead opens path for non-blocking read, optionally seeking to
// end (tail semantics on a fresh file-read origin's first open).
func openFileRead(path string, seekEnd bool) (int, error) {
	fd, err := unix.Open(path, unix.O_RDONLY|unix.O_NONBLOCK, 0)
	if err != nil {
		return -1, err
	}
	if err := setNonblockCloexec(fd); err != nil {
		unix.Close(fd)
		return -1, err
	}
	if seekEnd {
		if _, err := unix.Seek(fd, 0, unix.SEEK_END); err != nil {
			unix.Close(fd)
			return -1, err
		}
	}
	return fd, nil
}

// openFileWrite opens path append-only, creating it if absent.
func openFileWrite(path string, truncate bool) (int, error) {
	flags := unix.O_WRONLY | unix.O_CREAT | unix.O_APPEND
	if truncate {
		flags |= unix.O_TRUNC
	}
	fd, err := unix.Open(path, flags, 0o644)
	if err != nil {
		return -1, err
	}
	if err := setNonblockCloexec(fd); err != nil {
		unix.Close(fd)
		return -1, err
	}
	return fd, nil
}

// ensureFifo mkfifo(2)s path, ignoring EEXIST.
func ensureFifo(path string) error {
	err := unix.Mkfifo(path, 0o644)
	if err != nil && err != unix.EEXIST {
		return err
	}
	return nil
}

// dialSocketNonblocking starts a non-blocking TCP connect to host:port,
// reporting whether it completed immediately or is in progress
// (EINPROGRESS, to be finished on write-readiness).
func dialSocketNonblocking(host string, port int) (fd int, inProgress bool, err error) {
	ip, err := resolveHostIPv4(host)
	if err != nil {
		return -1, false, fmt.Errorf("descriptor: resolve %s: %w", host, err)
	}

	fd, err = unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		return -1, false, err
	}
	if err := setNonblockCloexec(fd); err != nil {
		unix.Close(fd)
		return -1, false, err
	}

	var sa unix.SockaddrInet4
	sa.Port = port
	copy(sa.Addr[:], ip[:])

	err = unix.Connect(fd, &sa)
	if err == nil {
		return fd, false, nil
	}
	if err == unix.EINPROGRESS {
		return fd, true, nil
	}
	unix.Close(fd)
	return -1, false, err
}

// connectCompletionError reads SO_ERROR after a write-readiness event
// on an in-progress connect; write-readiness alone does not mean the
// connect succeeded on every platform.
func connectCompletionError(fd int) error {
	errno, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return err
	}
	if errno != 0 {
		return unix.Errno(errno)
	}
	return nil
}

// listenSocketFD builds the passive side: socket/SO_REUSEADDR/bind/
// listen with a fixed backlog of 10.
func listenSocketFD(port int) (int, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		return -1, err
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return -1, err
	}
	if err := setNonblockCloexec(fd); err != nil {
		unix.Close(fd)
		return -1, err
	}
	sa := &unix.SockaddrInet4{Port: port}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return -1, err
	}
	const backlog = 10
	if err := unix.Listen(fd, backlog); err != nil {
		unix.Close(fd)
		return -1, err
	}
	return fd, nil
}

// acceptOne accepts a single pending connection off a listen-socket fd,
// non-blocking; (-1, false, nil) signals EAGAIN (no more connections
// pending this cycle).
func acceptOne(listenFD int) (fd int, ok bool, err error) {
	nfd, _, aerr := unix.Accept4(listenFD, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	if aerr != nil {
		if aerr == unix.EAGAIN || aerr == unix.EWOULDBLOCK {
			return -1, false, nil
		}
		return -1, false, aerr
	}
	return nfd, true, nil
}

// resolveHostIPv4 resolves a connect target: a literal IPv4 address
// resolves immediately, anything else goes through the resolver. A
// target that never resolves is an unrecoverable error for its
// descriptor.
func resolveHostIPv4(host string) ([4]byte, error) {
	var out [4]byte
	if ip := net.ParseIP(host); ip != nil {
		if v4 := ip.To4(); v4 != nil {
			copy(out[:], v4)
			return out, nil
		}
	}
	ips, err := net.LookupIP(host)
	if err != nil {
		return out, err
	}
	for _, ip := range ips {
		if v4 := ip.To4(); v4 != nil {
			copy(out[:], v4)
			return out, nil
		}
	}
	return out, fmt.Errorf("no A record for %s", host)
}
