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

package symtab

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRegisterLookupDeregister(t *testing.T) {
	tab := New[int]()
	tab.Register("B", 42)

	v, ok := tab.Lookup("B")
	assert.True(t, ok)
	assert.Equal(t, 42, v)

	tab.Deregister("B")
	_, ok = tab.Lookup("B")
	assert.False(t, ok)
}

func TestRegisterOverwritesPriorBinding(t *testing.T) {
	tab := New[string]()
	tab.Register("X", "first")
	tab.Register("X", "second")
	v, _ := tab.Lookup("X")
	assert.Equal(t, "second", v)
	assert.Equal(t, 1, tab.Len())
}
