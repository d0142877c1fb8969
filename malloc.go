// Copyright 2019 The mimalloc-go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package mimalloc is a general purpose, multi-threaded memory
// allocator over anonymous OS mappings, modeled after the runtime
// allocator's heap/span/central machinery but with per-thread
// ownership throughout.
//
// The allocator works in three layers:
//
//	segment: a 4 MiB naturally aligned OS region, subdivided into
//		pages and cached per thread. The alignment makes pointer
//		to metadata recovery a mask and a shift.
//	page: a subrange of a segment bound to one block size, with a
//		local free list, a deferred owner list and an atomic list
//		for frees arriving from other threads.
//	heap: the per-thread state; one page queue per size class plus
//		a direct table for the small sizes.
//
// Allocating walks heap -> page queue -> page -> block and stays
// lock free; the only blocking happens inside OS calls. Freeing
// recovers the page from the pointer bits and either pushes on the
// owner's local list or CASes onto the page's thread free list.
//
// Threads attach with ThreadInit, which returns the *Heap all their
// allocations should go through, and detach with Done: pages still
// holding live blocks are then abandoned and later adopted by other
// running threads (see segment.go).
//
// A Heap must only be used by its owning thread of execution; Free
// alone is safe for blocks owned by any heap, from anywhere.

package mimalloc

import "unsafe"

// mulNoOverflow is sqrt of the address space: if both factors are
// below it their product cannot overflow. The exponent is half the
// word width in bits, i.e. 4 bits per byte of uintptr.
const mulNoOverflow = 1 << (4 * unsafe.Sizeof(uintptr(0)))

func mulOverflow(count, size uintptr) (uintptr, bool) {
	total := count * size
	if count >= mulNoOverflow || size >= mulNoOverflow {
		if size > 0 && count > (^uintptr(0))/size {
			return 0, true
		}
	}
	return total, false
}

/* ----------------------------------------------------------------
   Allocation
---------------------------------------------------------------- */

// mallocSmall serves sizes up to smallSizeMax through the direct
// page table.
func (h *Heap) mallocSmall(size uintptr) unsafe.Pointer {
	pg := h.pagesFreeDirect[wsizeFromSize(size)]
	b := pg.free
	if b == nil {
		return h.mallocGeneric(size) // slow path
	}
	pg.free = blockNext(pg, b)
	pg.used++
	return unsafe.Pointer(b)
}

// Malloc allocates size bytes from the heap. The result is nil when
// the OS is out of memory and is aligned to at least
// min(maxAlignSize, next power of two of size). Zero sizes get a
// distinct minimal block.
func (h *Heap) Malloc(size uintptr) unsafe.Pointer {
	var p unsafe.Pointer
	if size <= smallSizeMax {
		p = h.mallocSmall(size)
	} else {
		p = h.mallocGeneric(size)
	}
	if p != nil {
		// account in block size so frees balance exactly
		statIncrease(&h.tld.stats.malloc, int64(ptrPage(p).blockSize))
	}
	return p
}

// Zalloc is Malloc with zeroed memory.
func (h *Heap) Zalloc(size uintptr) unsafe.Pointer {
	p := h.Malloc(size)
	if p != nil {
		memclr(p, UsableSize(p))
	}
	return p
}

// Calloc allocates a zeroed array of count elements of size bytes
// and returns nil when the multiplication overflows.
func (h *Heap) Calloc(count, size uintptr) unsafe.Pointer {
	total, overflow := mulOverflow(count, size)
	if overflow {
		return nil
	}
	return h.Zalloc(total)
}

// Realloc resizes a block. A nil p allocates, newsize 0 frees. The
// block is reused in place while newsize fits and stays above half
// the block size.
func (h *Heap) Realloc(p unsafe.Pointer, newsize uintptr) unsafe.Pointer {
	if p == nil {
		return h.Malloc(newsize)
	}
	if newsize == 0 {
		h.Free(p)
		return nil
	}
	size := UsableSize(p)
	if newsize <= size && newsize >= size/2 {
		return p
	}
	newp := h.Malloc(newsize)
	if newp != nil {
		n := size
		if newsize < n {
			n = newsize
		}
		memmove(newp, p, n)
		h.Free(p)
	}
	return newp
}

// MallocAligned allocates size bytes aligned to alignment (a power
// of two). Alignments within the natural block alignment are served
// by plain Malloc; larger ones pad and hand out an interior pointer,
// marking the page so Free can recover the block start.
func (h *Heap) MallocAligned(size, alignment uintptr) unsafe.Pointer {
	if alignment == 0 || alignment&(alignment-1) != 0 {
		return nil
	}
	if alignment <= maxAlignSize && size <= smallSizeMax &&
		(alignment <= ptrSize || size > ptrSize) {
		// small blocks come in maxAlignSize strides, except the one
		// word class which is only word aligned
		return h.Malloc(size)
	}
	p := h.Malloc(size + alignment - 1)
	if p == nil {
		return nil
	}
	adjust := alignUp(uintptr(p), alignment) - uintptr(p)
	if adjust == 0 {
		return p
	}
	pg := ptrPage(p)
	pg.setHasAligned(true)
	return unsafe.Pointer(uintptr(p) + adjust)
}

/* ----------------------------------------------------------------
   Free
---------------------------------------------------------------- */

// Free returns a block to its page. Freeing nil is a no-op; freeing
// a pointer the allocator did not return is undefined. Blocks owned
// by another thread's heap take the atomic cross-thread path.
func (h *Heap) Free(p unsafe.Pointer) {
	if p == nil {
		return
	}
	s := ptrSegment(p)
	if debugMode && s.cookie != ptrCookie(unsafe.Pointer(s)) {
		throw("free: corrupted segment or foreign pointer")
	}
	pg := segmentPageOf(s, p)
	b := (*block)(p)
	if pg.hasAligned() {
		b = pageUnalignBlock(s, pg, p)
	}
	statDecrease(&h.tld.stats.malloc, int64(pg.blockSize))
	if pg.blockSize > largeSizeMax {
		statDecrease(&h.tld.stats.huge, int64(pg.blockSize))
	}
	if s.threadID == h.threadID {
		freeBlockLocal(pg, b)
	} else {
		freeBlockMT(pg, b)
	}
}

// UsableSize returns the full block size behind p, at least the
// requested size. nil gives 0.
func UsableSize(p unsafe.Pointer) uintptr {
	if p == nil {
		return 0
	}
	s := ptrSegment(p)
	pg := segmentPageOf(s, p)
	if !pg.hasAligned() {
		return pg.blockSize
	}
	b := pageUnalignBlock(s, pg, p)
	return pg.blockSize - (uintptr(p) - uintptr(unsafe.Pointer(b)))
}

/* ----------------------------------------------------------------
   Package level API on the default heap
---------------------------------------------------------------- */

// Malloc allocates from the default heap, the one owned by the
// thread that first touched the allocator. Other threads must use
// their own heap from ThreadInit; Free is safe from anywhere.
func Malloc(size uintptr) unsafe.Pointer { return defaultHeap().Malloc(size) }

// Zalloc allocates zeroed memory from the default heap.
func Zalloc(size uintptr) unsafe.Pointer { return defaultHeap().Zalloc(size) }

// Calloc allocates a zeroed array from the default heap.
func Calloc(count, size uintptr) unsafe.Pointer { return defaultHeap().Calloc(count, size) }

// Realloc resizes through the default heap.
func Realloc(p unsafe.Pointer, newsize uintptr) unsafe.Pointer {
	return defaultHeap().Realloc(p, newsize)
}

// Free returns a block through the default heap.
func Free(p unsafe.Pointer) { defaultHeap().Free(p) }

// Collect runs a collection on the default heap.
func Collect(force bool) { defaultHeap().Collect(force) }

// memmove copies n bytes between possibly overlapping raw ranges.
func memmove(dst, src unsafe.Pointer, n uintptr) {
	copy(unsafe.Slice((*byte)(dst), n), unsafe.Slice((*byte)(src), n))
}
