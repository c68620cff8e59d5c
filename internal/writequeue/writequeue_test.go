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

package writequeue

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeWriter struct {
	limit int // max bytes to accept per call; 0 = unlimited
	err   error
}

func (f *fakeWriter) Writev(iovs [][]byte) (int, error) {
	if f.err != nil {
		return 0, f.err
	}
	total := 0
	for _, v := range iovs {
		total += len(v)
	}
	if f.limit > 0 && total > f.limit {
		return f.limit, nil
	}
	return total, nil
}

func TestAddLineOverflowAtWatermark(t *testing.T) {
	q := New()
	for i := 0; i < HighWatermark; i++ {
		require.NoError(t, q.AddLine([]byte("x\n")))
	}
	err := q.AddLine([]byte("overflow\n"))
	assert.ErrorIs(t, err, ErrOverflow)
	assert.Equal(t, HighWatermark, q.Len())
}

func TestWriteDrainsFullyOnFullWrite(t *testing.T) {
	q := New()
	require.NoError(t, q.AddLine([]byte("abc\n")))
	require.NoError(t, q.AddLine([]byte("defgh\n")))

	n, err := q.Write(&fakeWriter{})
	require.NoError(t, err)
	assert.Equal(t, 4+6, n)
	assert.Equal(t, 0, q.Len())
}

func TestWriteRetainsPartialEntryTail(t *testing.T) {
	q := New()
	require.NoError(t, q.AddLine([]byte("abcd\n"))) // 5 bytes, fully sent
	require.NoError(t, q.AddLine([]byte("efghij\n")))
	require.NoError(t, q.AddLine([]byte("third\n")))

	// Accept the first entry (5) plus 3 bytes of the second (8 total).
	n, err := q.Write(&fakeWriter{limit: 8})
	require.NoError(t, err)
	assert.Equal(t, 8, n)

	// First entry fully consumed and freed; second entry's unsent tail
	// retained at the head; third entry untouched.
	require.Equal(t, 2, q.Len())
	assert.Equal(t, "hij\n", string(q.entries[0]))
	assert.Equal(t, "third\n", string(q.entries[1]))
}

func TestWriteHighWatermarkRefillCycle(t *testing.T) {
	q := New()
	for i := 0; i < HighWatermark; i++ {
		require.NoError(t, q.AddLine([]byte("x\n")))
	}
	err := q.AddLine([]byte("y\n"))
	assert.ErrorIs(t, err, ErrOverflow)

	n, werr := q.Write(&fakeWriter{limit: 2})
	require.NoError(t, werr)
	assert.Equal(t, 2, n)
	assert.Equal(t, HighWatermark-1, q.Len())

	require.NoError(t, q.AddLine([]byte("z\n")))
	assert.Equal(t, HighWatermark, q.Len())
}

func TestWriteOnEmptyQueueIsNoop(t *testing.T) {
	q := New()
	n, err := q.Write(&fakeWriter{})
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestWriteSurfacesNonTransientError(t *testing.T) {
	q := New()
	require.NoError(t, q.AddLine([]byte("abc\n")))
	boom := errors.New("boom")
	_, err := q.Write(&fakeWriter{err: boom})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, q.Len())
}
