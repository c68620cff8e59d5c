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

// Package arena implements a size-bucketed slab allocator with a heap
// fallback. Go's garbage collector makes manual free() unnecessary for
// correctness, but the arena still classifies every buffer it hands out
// by pool so that realloc can decide in O(1) whether a resize fits in
// place, and so effective-capacity and pool-exhaustion accounting stay
// observable.
package arena

import "fmt"

// Bucket configures one fixed-size pool: SlotSize bytes per slot,
// SlotCount slots available.
type Bucket struct {
	SlotSize  int
	SlotCount int
}

type pool struct {
	slotSize int
	free     []int  // free slot indices, LIFO
	slots    [][]byte
	inUse    []bool
}

// Arena is a configuration-fixed sequence of pools ordered by ascending
// slot size, with an optional fallback to plain heap allocation.
type Arena struct {
	pools     []*pool
	allowHeap bool
	heapCount int
}

// New creates an Arena from the given buckets (smallest slot size first
// is not required; New sorts a copy by slot size) and whether exhausted
// pools may fall through to the heap.
func New(buckets []Bucket, allowHeap bool) *Arena {
	bs := append([]Bucket(nil), buckets...)
	for i := 1; i < len(bs); i++ {
		for j := i; j > 0 && bs[j].SlotSize < bs[j-1].SlotSize; j-- {
			bs[j], bs[j-1] = bs[j-1], bs[j]
		}
	}
	a := &Arena{allowHeap: allowHeap}
	for _, b := range bs {
		p := &pool{slotSize: b.SlotSize}
		p.slots = make([][]byte, b.SlotCount)
		p.inUse = make([]bool, b.SlotCount)
		p.free = make([]int, b.SlotCount)
		for i := 0; i < b.SlotCount; i++ {
			p.slots[i] = make([]byte, b.SlotSize)
			p.free[i] = b.SlotCount - 1 - i
		}
		a.pools = append(a.pools, p)
	}
	return a
}

// handle is what Arena hands back to callers: which pool (or -1 for
// heap), which slot index, and the live byte slice.
type handle struct {
	poolIdx int
	slot    int
	buf     []byte
}

// Ptr is the opaque allocation handle; Arena.Free and Arena.Realloc
// classify it back to its pool by identity, the moral equivalent of an
// address-range test.
type Ptr = *handle

// Alloc returns a buffer of at least size bytes and its effective
// capacity (the containing pool's slot size, or exactly size on the
// heap path). It selects the smallest pool whose slot size fits size,
// walking to larger pools if that one is full, and falls through to the
// heap only if allowHeap is true.
func (a *Arena) Alloc(size int) (Ptr, int, error) {
	for i, p := range a.pools {
		if p.slotSize < size {
			continue
		}
		if slot, ok := p.take(); ok {
			return &handle{poolIdx: i, slot: slot, buf: p.slots[slot][:size]}, p.slotSize, nil
		}
	}
	if a.allowHeap {
		a.heapCount++
		return &handle{poolIdx: -1, buf: make([]byte, size)}, size, nil
	}
	return nil, 0, fmt.Errorf("arena: no pool fits %d bytes and heap fallback is disabled", size)
}

func (p *pool) take() (int, bool) {
	if len(p.free) == 0 {
		return 0, false
	}
	slot := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	p.inUse[slot] = true
	return slot, true
}

// Bytes returns the live region of the allocation.
func (h *handle) Bytes() []byte { return h.buf }

// Realloc resizes an allocation to newSize. If newSize still fits the
// handle's current pool slot, Realloc is a no-op (same Ptr). Otherwise
// it migrates to the next fitting pool (or the heap), copying
// min(old effective capacity, newSize) bytes.
func (a *Arena) Realloc(h Ptr, newSize int) (Ptr, int, error) {
	if h.poolIdx >= 0 {
		p := a.pools[h.poolIdx]
		if newSize <= p.slotSize {
			h.buf = p.slots[h.slot][:newSize]
			return h, p.slotSize, nil
		}
	}
	oldCap := len(h.buf)
	if h.poolIdx >= 0 {
		oldCap = a.pools[h.poolIdx].slotSize
	}
	nh, cap_, err := a.Alloc(newSize)
	if err != nil {
		return nil, 0, err
	}
	n := oldCap
	if newSize < n {
		n = newSize
	}
	copy(nh.buf, h.buf[:n])
	a.Free(h)
	return nh, cap_, nil
}

// Free releases an allocation back to its pool, or drops it for GC if it
// came from the heap fallback.
func (a *Arena) Free(h Ptr) {
	if h == nil {
		return
	}
	if h.poolIdx < 0 {
		if a.heapCount > 0 {
			a.heapCount--
		}
		return
	}
	p := a.pools[h.poolIdx]
	if !p.inUse[h.slot] {
		return
	}
	p.inUse[h.slot] = false
	p.free = append(p.free, h.slot)
}

// HeapAllocs reports how many live allocations are currently served by
// the heap fallback rather than a pool, for diagnostics.
func (a *Arena) HeapAllocs() int { return a.heapCount }

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
