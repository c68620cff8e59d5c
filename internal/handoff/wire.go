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

// Package handoff implements the live-restart hand-off protocol:
// serializing each read-side descriptor's fd plus its residual read
// buffer over a local stream control socket, one message per
// descriptor, the open fd riding along as SCM_RIGHTS ancillary data.
package handoff

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// SocketPathPrefix is the control socket's path stem; the full path is
// the stem plus the receiving process's decimal pid.
const SocketPathPrefix = "/tmp/.dlogxfer_"

// SocketPath derives the control-socket path for the process that will
// receive the hand-off, named by its pid.
func SocketPath(pid int) string {
	return fmt.Sprintf("%s%d", SocketPathPrefix, pid)
}

// headerSize covers the packed message header: i32 fd, i32 desc_type,
// i32 buf_idx, padding to the length field's natural alignment, u64
// buf_len.
const headerSize = 4 + 4 + 4 + 4 + 8

// Message is one descriptor's hand-off payload. FD is carried out of
// band (SCM_RIGHTS); the header's fd field is only the sender's fd
// number, overwritten by the receiver with the ancillary fd it
// actually got.
type Message struct {
	FD       int
	DescType int
	BufIdx   int
	Symbol   string
	Residual []byte
}

// Encode packs m into the wire form: header, then the symbol and the
// residual buffer each NUL-terminated, with buf_len covering both
// terminated strings.
func (m *Message) Encode() []byte {
	bufLen := len(m.Symbol) + len(m.Residual) + 2
	out := make([]byte, headerSize+bufLen)
	binary.NativeEndian.PutUint32(out[0:], uint32(m.FD))
	binary.NativeEndian.PutUint32(out[4:], uint32(m.DescType))
	binary.NativeEndian.PutUint32(out[8:], uint32(m.BufIdx))
	binary.NativeEndian.PutUint64(out[16:], uint64(bufLen))
	p := out[headerSize:]
	copy(p, m.Symbol)
	copy(p[len(m.Symbol)+1:], m.Residual)
	return out
}

// Decode unpacks one wire message. A message whose payload came up
// shorter than the header's buf_len is rejected for the caller to
// drop.
func Decode(raw []byte) (*Message, error) {
	if len(raw) < headerSize {
		return nil, fmt.Errorf("handoff: short message: %d bytes", len(raw))
	}
	m := &Message{
		FD:       int(int32(binary.NativeEndian.Uint32(raw[0:]))),
		DescType: int(int32(binary.NativeEndian.Uint32(raw[4:]))),
		BufIdx:   int(int32(binary.NativeEndian.Uint32(raw[8:]))),
	}
	bufLen := int(binary.NativeEndian.Uint64(raw[16:]))
	if len(raw)-headerSize < bufLen {
		return nil, fmt.Errorf("handoff: truncated payload: have %d want %d", len(raw)-headerSize, bufLen)
	}
	payload := raw[headerSize : headerSize+bufLen]
	z := bytes.IndexByte(payload, 0)
	if z < 0 {
		return nil, fmt.Errorf("handoff: payload missing symbol terminator")
	}
	m.Symbol = string(payload[:z])
	rest := payload[z+1:]
	if n := bytes.IndexByte(rest, 0); n >= 0 {
		rest = rest[:n]
	}
	if len(rest) > 0 {
		m.Residual = append([]byte(nil), rest...)
	}
	return m, nil
}
