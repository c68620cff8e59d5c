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

package dynbuf

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAssignAndConcat(t *testing.T) {
	b := Reserve(4)
	b.Assign([]byte("hello"))
	assert.Equal(t, "hello", string(b.Bytes()))

	b.ConcatString(" world")
	assert.Equal(t, "hello world", string(b.Bytes()))
}

func TestRemoveRangeIsResetAtFullSpan(t *testing.T) {
	b := New([]byte("abcdef"))
	b.RemoveRange(0, b.Len())
	assert.Equal(t, 0, b.Len())
}

func TestRemoveRangePrefix(t *testing.T) {
	b := New([]byte("abcdef\n"))
	b.RemoveRange(0, 4)
	assert.Equal(t, "ef\n", string(b.Bytes()))
}

func TestInsert(t *testing.T) {
	b := New([]byte("ac"))
	b.Insert([]byte("b"), 1)
	assert.Equal(t, "abc", string(b.Bytes()))
}

func TestGrowTailAndFill(t *testing.T) {
	b := Reserve(2)
	tail := b.GrowTail(10)
	require.GreaterOrEqual(t, len(tail), 10)
	copy(tail, "0123456789")
	b.Fill(10)
	assert.Equal(t, "0123456789", string(b.Bytes()))
	assert.LessOrEqual(t, b.Len(), b.Cap())
}

func TestSlackNeverNegative(t *testing.T) {
	b := Reserve(1)
	for i := 0; i < 100; i++ {
		b.ConcatString("x")
	}
	assert.GreaterOrEqual(t, b.Slack(), 0)
	assert.Equal(t, 100, b.Len())
}

func TestInRange(t *testing.T) {
	b := New([]byte("abc"))
	assert.True(t, b.InRange(0))
	assert.True(t, b.InRange(2))
	assert.False(t, b.InRange(3))
	assert.False(t, b.InRange(-1))
}
