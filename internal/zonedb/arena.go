// Copyright (c) 2024 Elisamuel Resto Donate <sam@samresto.dev>
// SPDX-License-Identifier: MIT

package zonedb

import "sync"

// chunkSize is the size of each slab the arena grows by. Individual
// allocations larger than this get their own dedicated slab.
const chunkSize = 32 * 1024

// Arena is a bump allocator: dataset types carve per-record byte slices
// (such as TXT template text) out of it, and the whole thing is discarded
// in one shot on Reset. This replaces the original's manual freelists
// (spec.md §9 "pool allocation"). Each dataset has one arena, reset in
// place at the start of a reload; there is no second arena and no swap.
type Arena struct {
	mu     sync.Mutex
	chunks [][]byte
	cur    []byte
}

// NewArena returns an empty arena ready for allocation.
func NewArena() *Arena {
	return &Arena{}
}

// Alloc returns a zeroed byte slice of length n carved from the arena.
func (a *Arena) Alloc(n int) []byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	if n > len(a.cur) {
		size := chunkSize
		if n > size {
			size = n
		}
		a.cur = make([]byte, size)
		a.chunks = append(a.chunks, a.cur)
	}
	buf := a.cur[:n:n]
	a.cur = a.cur[n:]
	return buf
}

// CopyBytes copies src into a freshly-allocated arena slice.
func (a *Arena) CopyBytes(src []byte) []byte {
	buf := a.Alloc(len(src))
	copy(buf, src)
	return buf
}

// CopyName deep-copies a Name (and its label backing arrays) into the
// arena, so the dataset's SOA/NS/record storage never aliases memory
// owned by the file-parsing buffers that produced it.
func (a *Arena) CopyName(n Name) Name {
	out := make(Name, len(n))
	for i, l := range n {
		out[i] = a.CopyBytes(l)
	}
	return out
}

// Reset discards every chunk, freeing the whole arena's contents at once.
// Any Name/[]byte previously returned by Alloc/CopyBytes becomes invalid;
// callers must not retain them past reset.
func (a *Arena) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.chunks = nil
	a.cur = nil
}

// Bytes reports the arena's current live allocation footprint, for
// diagnostics/metrics only.
func (a *Arena) Bytes() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	total := 0
	for _, c := range a.chunks {
		total += len(c)
	}
	return total
}
