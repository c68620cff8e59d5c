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

package handoff

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/dlogd/dlogd/internal/logger"
)

// recvBufLen bounds one hand-off message, header plus payload.
const recvBufLen = 64 * 1024

// Sender is the parent side of the hand-off channel: a connected
// stream to the restarted child's control socket.
type Sender struct {
	fd      int
	session string
}

// OpenSend connects to the control socket of the restarted child named
// by childPid, retrying for a few seconds while the child binds it. The
// session id ties the two processes' hand-off log lines together.
func OpenSend(childPid int) (*Sender, error) {
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, fmt.Errorf("handoff: socket: %w", err)
	}
	sa := &unix.SockaddrUnix{Name: SocketPath(childPid)}

	session := uuid.New().String()
	for attempt := 0; ; attempt++ {
		err = unix.Connect(fd, sa)
		if err == nil {
			break
		}
		if attempt >= 3 {
			unix.Close(fd)
			return nil, fmt.Errorf("handoff: connect %s: %w", sa.Name, err)
		}
		logger.Debugf("handoff %s: control socket not up yet, waiting", session)
		time.Sleep(time.Second)
	}
	logger.Infof("handoff %s: connected to successor pid %d", session, childPid)
	return &Sender{fd: fd, session: session}, nil
}

// Send transmits one descriptor's message, the fd as SCM_RIGHTS.
func (s *Sender) Send(m *Message) error {
	payload := m.Encode()
	rights := unix.UnixRights(m.FD)
	if err := unix.Sendmsg(s.fd, payload, rights, nil, 0); err != nil {
		return fmt.Errorf("handoff: sendmsg %s: %w", m.Symbol, err)
	}
	logger.Debugf("handoff %s: sent %s (fd %d, %d residual bytes)", s.session, m.Symbol, m.FD, len(m.Residual))
	return nil
}

// Close shuts the sending side; the peer sees EOF as end-of-transfer.
func (s *Sender) Close() error {
	return unix.Close(s.fd)
}

// Receive is the child side: bind the control socket named by this
// process's own pid, accept exactly one connection from the parent, and
// read messages until the peer closes. Messages whose ancillary fd is
// missing or whose payload came up short are dropped with a log line,
// never failing the whole transfer.
func Receive(ownPid int) ([]*Message, error) {
	lfd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, fmt.Errorf("handoff: socket: %w", err)
	}
	defer unix.Close(lfd)

	path := SocketPath(ownPid)
	unix.Unlink(path)
	if err := unix.Bind(lfd, &unix.SockaddrUnix{Name: path}); err != nil {
		return nil, fmt.Errorf("handoff: bind %s: %w", path, err)
	}
	if err := unix.Listen(lfd, 1); err != nil {
		return nil, fmt.Errorf("handoff: listen %s: %w", path, err)
	}

	logger.Debug("handoff: accepting transfer connection")
	cfd, _, err := unix.Accept(lfd)
	if err != nil {
		return nil, fmt.Errorf("handoff: accept: %w", err)
	}
	defer unix.Close(cfd)
	defer unix.Unlink(path)

	var msgs []*Message
	buf := make([]byte, recvBufLen)
	oob := make([]byte, unix.CmsgSpace(4))
	for {
		n, oobn, _, _, err := unix.Recvmsg(cfd, buf, oob, 0)
		if n == 0 || err == unix.ECONNRESET {
			logger.Infof("handoff: finished fd transfer, %d descriptors inherited", len(msgs))
			return msgs, nil
		}
		if err != nil {
			return msgs, fmt.Errorf("handoff: recvmsg: %w", err)
		}

		m, derr := Decode(buf[:n])
		if derr != nil {
			logger.Errorf("handoff: %v, dumping the fd", derr)
			continue
		}

		fds, ferr := parseRights(oob[:oobn])
		if ferr != nil || len(fds) == 0 {
			logger.Errorf("handoff: message %s arrived without its fd, ignored", m.Symbol)
			continue
		}
		m.FD = fds[0]
		msgs = append(msgs, m)
	}
}

func parseRights(oob []byte) ([]int, error) {
	cmsgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return nil, err
	}
	for _, c := range cmsgs {
		if c.Header.Level == unix.SOL_SOCKET && c.Header.Type == unix.SCM_RIGHTS {
			return unix.ParseUnixRights(&c)
		}
	}
	return nil, nil
}
