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

package linereader

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func feed(r *Reader, chunk []byte) {
	dst := r.GetBuffer(len(chunk))
	n := copy(dst, chunk)
	r.BufferFill(n)
}

func TestNextLineMissThenHit(t *testing.T) {
	r := New()
	feed(r, []byte("hello "))
	_, ok := r.NextLine()
	assert.False(t, ok)

	feed(r, []byte("world\n"))
	line, ok := r.NextLine()
	require.True(t, ok)
	assert.Equal(t, "hello world\n", string(line))
}

func TestNextLineOneByteAtATime(t *testing.T) {
	r := New()
	input := "the quick brown fox jumps over the lazy dog\n"
	var got []byte
	var ok bool
	for i := 0; i < len(input); i++ {
		feed(r, []byte{input[i]})
		got, ok = r.NextLine()
		if ok {
			break
		}
	}
	require.True(t, ok)
	assert.Equal(t, input, string(got))
}

func TestMultipleLinesInOneChunk(t *testing.T) {
	r := New()
	feed(r, []byte("one\ntwo\nthr"))

	l1, ok1 := r.NextLine()
	require.True(t, ok1)
	assert.Equal(t, "one\n", string(l1))

	l2, ok2 := r.NextLine()
	require.True(t, ok2)
	assert.Equal(t, "two\n", string(l2))

	_, ok3 := r.NextLine()
	assert.False(t, ok3)

	feed(r, []byte("ee\n"))
	l3, ok4 := r.NextLine()
	require.True(t, ok4)
	assert.Equal(t, "three\n", string(l3))
}

func TestEmptyLineIsARecord(t *testing.T) {
	r := New()
	feed(r, []byte("\nafter\n"))
	l1, ok1 := r.NextLine()
	require.True(t, ok1)
	assert.Equal(t, "\n", string(l1))

	l2, ok2 := r.NextLine()
	require.True(t, ok2)
	assert.Equal(t, "after\n", string(l2))
}

func TestResetWithBufferPreservesResidue(t *testing.T) {
	r := New()
	r.ResetWithBuffer([]byte("partial tail no newline"), 5)
	data, cursor := r.RawBuffer()
	assert.Equal(t, "partial tail no newline", string(data))
	assert.Equal(t, 5, cursor)

	feed(r, []byte(" done\n"))
	line, ok := r.NextLine()
	require.True(t, ok)
	assert.Equal(t, "partial tail no newline done\n", string(line))
}
