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

// Package dynbuf implements the growable, length-tagged byte buffer
// that backs line readers throughout dlogd. A single owner holds the
// handle; any mutator that might need to grow the backing array leaves
// previously returned slices stale, so callers re-fetch through
// Bytes/GrowTail after every mutation.
package dynbuf

// minSize is the smallest capacity a freshly reserved Buffer receives.
const minSize = 16

// Buffer is a mutable byte buffer with O(1) amortized growth. The zero
// value is not usable; construct one with New or Reserve.
//
// Invariant: len(b.data) <= cap(b.data), and b.data is always addressed
// through Bytes()/Len() rather than touched directly by callers.
type Buffer struct {
	data []byte
}

// Reserve allocates a new, empty Buffer with at least the given capacity.
func Reserve(capacity int) *Buffer {
	if capacity < minSize {
		capacity = minSize
	}
	return &Buffer{data: make([]byte, 0, capacity)}
}

// New allocates a Buffer initialized with the contents of src.
func New(src []byte) *Buffer {
	b := Reserve(len(src))
	b.Assign(src)
	return b
}

// Len returns the number of valid bytes currently stored.
func (b *Buffer) Len() int { return len(b.data) }

// Cap returns the buffer's current capacity.
func (b *Buffer) Cap() int { return cap(b.data) }

// Slack returns the number of additional bytes that can be written
// without triggering a reallocation.
func (b *Buffer) Slack() int { return cap(b.data) - len(b.data) }

// Bytes returns the valid region of the buffer. The returned slice is
// only valid until the next mutating call.
func (b *Buffer) Bytes() []byte { return b.data }

// Reset empties the buffer without releasing its backing array.
func (b *Buffer) Reset() { b.data = b.data[:0] }

// Assign replaces the buffer's contents with src, growing if necessary.
func (b *Buffer) Assign(src []byte) {
	b.Reset()
	b.growBy(len(src))
	b.data = append(b.data, src...)
}

// growBy ensures at least n more bytes of slack are available.
func (b *Buffer) growBy(n int) {
	if b.Slack() >= n {
		return
	}
	need := len(b.data) + n
	newCap := cap(b.data)
	if newCap < minSize {
		newCap = minSize
	}
	for newCap < need {
		newCap *= 2
	}
	grown := make([]byte, len(b.data), newCap)
	copy(grown, b.data)
	b.data = grown
}

// Concat appends src to the buffer, growing if necessary.
func (b *Buffer) Concat(src []byte) {
	b.growBy(len(src))
	b.data = append(b.data, src...)
}

// ConcatString appends s to the buffer.
func (b *Buffer) ConcatString(s string) {
	b.Concat([]byte(s))
}

// Insert places needle's bytes at index, shifting the tail right.
func (b *Buffer) Insert(needle []byte, index int) {
	if index < 0 || index > len(b.data) {
		panic("dynbuf: insert index out of range")
	}
	b.growBy(len(needle))
	b.data = b.data[:len(b.data)+len(needle)]
	copy(b.data[index+len(needle):], b.data[index:len(b.data)-len(needle)])
	copy(b.data[index:], needle)
}

// RemoveRange deletes the half-open byte range [i, j) from the buffer,
// shifting the remaining tail down to index i. RemoveRange(0, Len()) is
// equivalent to Reset.
func (b *Buffer) RemoveRange(i, j int) {
	if i < 0 || j < i || j > len(b.data) {
		panic("dynbuf: remove range out of bounds")
	}
	if i == 0 && j == len(b.data) {
		b.Reset()
		return
	}
	n := copy(b.data[i:], b.data[j:])
	b.data = b.data[:i+n]
}

// Fill advances the logical length by n bytes that the caller has
// already written past the end of Bytes(), as returned by a prior call
// that guaranteed slack via growBy (see linereader.GetBuffer).
func (b *Buffer) Fill(n int) {
	if n < 0 || n > b.Slack() {
		panic("dynbuf: fill exceeds slack")
	}
	b.data = b.data[:len(b.data)+n]
}

// GrowTail ensures at least minHint bytes of contiguous slack exist past
// the current length and returns that tail as a writable slice. The
// caller writes into the returned slice and then calls Fill with the
// number of bytes actually written.
func (b *Buffer) GrowTail(minHint int) []byte {
	b.growBy(minHint)
	return b.data[len(b.data):cap(b.data)]
}

// InRange reports whether ptr (an index into a byte slice previously
// obtained from Bytes or GrowTail) lies strictly inside the current
// valid region. Used by the line reader to validate cursors after a
// buffer has potentially been reallocated underneath it.
func (b *Buffer) InRange(idx int) bool {
	return idx >= 0 && idx < len(b.data)
}
