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

// Package linereader accumulates bytes from a descriptor's append-side
// and yields complete, newline-terminated records, preserving any
// trailing partial record across calls.
package linereader

import (
	"bytes"

	"github.com/dlogd/dlogd/internal/dynbuf"
)

const defaultBufSize = 1024

// Reader holds one dynamic buffer and a scan cursor.
type Reader struct {
	buf    *dynbuf.Buffer
	curIdx int
}

// New creates a Reader with the default initial capacity.
func New() *Reader {
	return &Reader{buf: dynbuf.Reserve(defaultBufSize)}
}

// Reset empties the reader, discarding any buffered partial line.
func (r *Reader) Reset() {
	r.buf.Reset()
	r.curIdx = 0
}

// ResetWithBuffer replaces the reader's contents with a preserved
// residual buffer and cursor, as used when a hand-off hands the reader
// pre-seeded state.
func (r *Reader) ResetWithBuffer(data []byte, cursor int) {
	r.buf = dynbuf.New(data)
	r.curIdx = cursor
}

// GetBuffer returns the writable tail of the internal buffer, growing it
// so that at least minHint contiguous bytes are available. The caller
// reads into the returned slice and then calls BufferFill with the
// number of bytes actually read.
func (r *Reader) GetBuffer(minHint int) []byte {
	return r.buf.GrowTail(minHint)
}

// BufferFill advances the buffer's logical length by n bytes that the
// caller has just written into the slice returned by GetBuffer.
func (r *Reader) BufferFill(n int) {
	r.buf.Fill(n)
}

// NextLine scans from the cursor for the first newline. On a hit it
// returns a new slice containing bytes [0, newline] inclusive, removes
// that prefix from the buffer, resets the cursor to 0, and reports ok.
// On a miss it advances the cursor to the current end of the buffer
// (so the next scan doesn't re-examine bytes already known not to
// contain a newline) and returns ok=false, leaving the partial tail
// buffered for the next call.
func (r *Reader) NextLine() (line []byte, ok bool) {
	data := r.buf.Bytes()
	rel := bytes.IndexByte(data[r.curIdx:], '\n')
	if rel < 0 {
		r.curIdx = len(data)
		return nil, false
	}
	end := r.curIdx + rel + 1
	line = append([]byte(nil), data[:end]...)
	r.buf.RemoveRange(0, end)
	r.curIdx = 0
	return line, true
}

// RawBuffer returns the buffer's full contents and cursor, for residual
// preservation across a hand-off message.
func (r *Reader) RawBuffer() (data []byte, cursor int) {
	return r.buf.Bytes(), r.curIdx
}
