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

// Package symtab implements the symbol table: a mapping from a
// descriptor's user-facing name to the descriptor itself, consulted by
// WRITE rule nodes to resolve a destination. A descriptor registers on
// its ACTIVE transition and deregisters on DEAD, except anonymous
// accepted client sockets, which are never registered.
package symtab

import "sync"

// Table is keyed by symbol name. dlogd runs its core entirely on the
// event-loop goroutine, and every current caller runs there; the mutex
// makes a read from another goroutine safe, though none reads it.
type Table[D any] struct {
	mu      sync.RWMutex
	symbols map[string]D
}

// New returns an empty symbol table.
func New[D any]() *Table[D] {
	return &Table[D]{symbols: make(map[string]D)}
}

// Register binds name to d, overwriting any previous binding (reopen of
// the same origin replaces the old descriptor for that symbol).
func (t *Table[D]) Register(name string, d D) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.symbols[name] = d
}

// Deregister removes name's binding.
func (t *Table[D]) Deregister(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.symbols, name)
}

// Lookup resolves name to its bound descriptor, if any.
func (t *Table[D]) Lookup(name string) (D, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	d, ok := t.symbols[name]
	return d, ok
}

// Len reports the number of registered symbols.
func (t *Table[D]) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.symbols)
}
