// Copyright 2019 The mimalloc-go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Heap: the per-thread allocation state.
//
// A heap keeps one page queue per size class, much like a per-thread
// mcache keeps one span per class; here the backing store is the
// segment allocator instead of central lists. The generic allocation
// path walks the bin queue, collects pending frees, and falls
// through to a fresh page from a segment.

package mimalloc

import (
	"sync/atomic"
	"unsafe"
)

func heapIsInitialized(h *Heap) bool {
	return h != nil && h != &heapEmpty
}

func (h *Heap) isBacking() bool {
	return h.tld.heapBacking == h
}

/* ----------------------------------------------------------------
   Delayed free
---------------------------------------------------------------- */

// heapDelayedFree takes over the whole delayed list and frees every
// block on it. Only the owning thread drains.
func heapDelayedFree(h *Heap) {
	var b *block
	for {
		v := atomic.LoadUint64(&h.threadDelayedFree)
		b = (*block)(unsafe.Pointer(uintptr(v)))
		if b == nil {
			return
		}
		if atomic.CompareAndSwapUint64(&h.threadDelayedFree, v, 0) {
			break
		}
	}
	for b != nil {
		next := blockNextx(h.cookie, b)
		freeDelayedBlock(h, b)
		b = next
	}
}

/* ----------------------------------------------------------------
   Generic allocation path
---------------------------------------------------------------- */

// heapFindFreePage walks the bin queue for a page with an available
// block: pending frees are collected, pages with room are extended,
// and exhausted pages migrate to the full queue on the way.
func heapFindFreePage(h *Heap, pq *pageQueue) *page {
	count := int64(0)
	pg := pq.first
	for pg != nil {
		next := pg.next // pg may leave the queue below
		count++

		// collect frees and try the page
		pageFreeCollect(pg)
		if pageImmediateAvailable(pg) {
			break
		}
		// carve more blocks when the page still has room
		if uintptr(pg.capacity) < uintptr(pg.reserved) {
			pageExtendFree(pg, &h.tld.stats)
			break
		}
		// exhausted: off to the full queue
		pageToFull(h, pg, pq)
		pg = next
	}
	statCounterIncrease(&h.tld.stats.searches, count)
	if pg == nil {
		pg = pageFresh(h, pq)
	}
	return pg
}

// heapFindPage returns a page able to serve size, routing huge sizes
// to their own path.
func heapFindPage(h *Heap, size uintptr) *page {
	if size > largeSizeMax {
		return heapHugePage(h, size)
	}
	return heapFindFreePage(h, h.pageQueueForSize(size))
}

func heapHugePage(h *Heap, size uintptr) *page {
	blockSize := alignUp(size, physPageSize)
	pq := &h.pages[binHuge]
	pg := pageFreshAlloc(h, pq, blockSize)
	if pg != nil {
		statIncrease(&h.tld.stats.huge, int64(blockSize))
	}
	return pg
}

// mallocGeneric is the slow path: initialization, deferred work, then
// a page search. Kept out of the inlined fast path.
func (h *Heap) mallocGeneric(size uintptr) unsafe.Pointer {
	if !heapIsInitialized(h) {
		return nil
	}
	h.tld.heartbeat++

	// free any delayed blocks first, they may satisfy this request
	heapDelayedFree(h)

	pg := heapFindPage(h, size)
	if pg == nil {
		// out of memory: one retry after a full collect
		h.Collect(true)
		pg = heapFindPage(h, size)
	}
	if pg == nil {
		return nil
	}
	if debugMode && (!pageImmediateAvailable(pg) || pg.blockSize < size) {
		throw("mallocGeneric: bad page")
	}
	return unsafe.Pointer(pageAllocBlock(pg))
}

/* ----------------------------------------------------------------
   Collection
---------------------------------------------------------------- */

type collectKind int

const (
	collectNormal collectKind = iota
	collectForce
	collectAbandon
)

func heapPageCollect(h *Heap, pg *page, collect collectKind) {
	pageFreeCollect(pg)
	if pageAllFree(pg) {
		// quite rare outside teardown: all blocks came back
		pageFree(pg, pageQueueOf(pg), collect != collectNormal)
	} else if collect == collectAbandon {
		// still live blocks: the page moves to the abandoned state
		pageAbandon(pg)
	}
}

func pageAbandon(pg *page) {
	h := pg.heap
	pageQueueRemove(h, pageQueueOf(pg), pg)
	pg.setInFull(false) // reclaimers see a plain page
	pg.heap = nil
	segmentPageAbandon(pg, &h.tld.segments)
}

func heapCollectEx(h *Heap, collect collectKind) {
	if !heapIsInitialized(h) {
		return
	}

	// adopt (some) abandoned segments
	if !h.noReclaim {
		if collect == collectNormal || collect == collectForce {
			segmentTryReclaimAbandoned(h, collect == collectForce, &h.tld.segments)
		}
	}

	// when abandoning, full pages must stop feeding the delayed list:
	// after the drain below no local reference into the pages remains
	if collect == collectAbandon {
		for pg := h.pages[binFull].first; pg != nil; pg = pg.next {
			pageUseDelayedFree(pg, noDelayedFree)
		}
	}

	heapDelayedFree(h)

	// collect every queue; pages can leave their queue during the
	// walk so the next pointer is taken first
	for i := range h.pages {
		pq := &h.pages[i]
		for pg := pq.first; pg != nil; {
			next := pg.next
			heapPageCollect(h, pg, collect)
			pg = next
		}
	}

	if collect >= collectForce {
		segmentThreadCollect(&h.tld.segments)
	}
}

// Collect drains pending frees and releases empty pages. With force
// it also reclaims all abandoned segments and empties the segment
// cache.
func (h *Heap) Collect(force bool) {
	if force {
		heapCollectEx(h, collectForce)
	} else {
		heapCollectEx(h, collectNormal)
	}
}

// heapCollectAbandon ends the heap's ownership: empty pages are
// freed, the rest is abandoned for other threads to reclaim.
func heapCollectAbandon(h *Heap) {
	heapCollectEx(h, collectAbandon)
}

// heapDestroyPages drops all pages without regard for live blocks.
// Only for process teardown of the main heap.
func heapDestroyPages(h *Heap) {
	for i := range h.pages {
		pq := &h.pages[i]
		for pg := pq.first; pg != nil; {
			next := pg.next
			// ignore outstanding blocks, the process is going away
			pg.used = uintptr(atomic.LoadUint64(&pg.threadFreed))
			pg.free = nil
			pg.localFree = nil
			pageFree(pg, pq, true)
			pg = next
		}
	}
}
