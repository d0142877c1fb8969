// Copyright 2019 The mimalloc-go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Page and block machinery.
//
// A page carves its memory lazily into blocks of one size and keeps
// three free lists: free (ready to hand out, owner only), localFree
// (owner frees deferred while free is serviced) and threadFree (an
// atomic list fed by other threads). pageFreeCollect folds the latter
// two back into free.

package mimalloc

import (
	"sync/atomic"
	"unsafe"
)

/* ----------------------------------------------------------------
   Pointer recovery and page predicates
---------------------------------------------------------------- */

// ptrSegment recovers the segment of any pointer handed out by the
// allocator; segments are segmentSize aligned so this is a mask.
func ptrSegment(p unsafe.Pointer) *segment {
	return (*segment)(unsafe.Pointer(uintptr(p) &^ segmentMask))
}

func pageSegment(pg *page) *segment {
	s := ptrSegment(unsafe.Pointer(pg))
	if debugMode && pg != &s.pages[pg.segmentIdx] {
		throw("pageSegment: page outside its segment")
	}
	return s
}

// segmentPageOf maps a pointer inside a segment to its page by
// shifting the offset; O(1), no loads beyond the segment header.
func segmentPageOf(s *segment, p unsafe.Pointer) *page {
	if s.segmentSize > segmentSize {
		return &s.pages[0] // huge segments hold a single page
	}
	diff := uintptr(p) - uintptr(unsafe.Pointer(s))
	idx := diff >> s.pageShift
	if debugMode && idx >= s.capacity {
		throw("segmentPageOf: pointer outside segment")
	}
	return &s.pages[idx]
}

func ptrPage(p unsafe.Pointer) *page {
	return segmentPageOf(ptrSegment(p), p)
}

func pageStart(pg *page) (unsafe.Pointer, uintptr) {
	return segmentPageStart(pageSegment(pg), pg, pg.blockSize)
}

// pageAllFree reports whether every block was returned, counting the
// cross-thread frees that have not been drained yet.
func pageAllFree(pg *page) bool {
	return pg.used-uintptr(atomic.LoadUint64(&pg.threadFreed)) == 0
}

// pageImmediateAvailable reports whether malloc can pop a block right
// now.
func pageImmediateAvailable(pg *page) bool {
	return pg.free != nil
}

// pageMostlyUsed reports whether more than 7/8 of the page is in use.
// nil counts as fully used, so the only page of a size class is kept
// instead of retired.
func pageMostlyUsed(pg *page) bool {
	if pg == nil {
		return true
	}
	frac := uintptr(pg.reserved) / 8
	return uintptr(pg.reserved)-pg.used+uintptr(atomic.LoadUint64(&pg.threadFreed)) < frac
}

/* ----------------------------------------------------------------
   Encoding of free list links
---------------------------------------------------------------- */

// In secure mode the next links are xor-encoded with a per-page
// cookie so free list pointers are not directly forgeable.

func blockNextx(cookie uintptr, b *block) *block {
	if optionIsEnabled(OptionSecure) {
		return (*block)(unsafe.Pointer(b.next ^ cookie))
	}
	return (*block)(unsafe.Pointer(b.next))
}

func blockSetNextx(cookie uintptr, b, next *block) {
	if optionIsEnabled(OptionSecure) {
		b.next = uintptr(unsafe.Pointer(next)) ^ cookie
	} else {
		b.next = uintptr(unsafe.Pointer(next))
	}
}

func blockNext(pg *page, b *block) *block {
	return blockNextx(pg.cookie, b)
}

func blockSetNext(pg *page, b, next *block) {
	blockSetNextx(pg.cookie, b, next)
}

/* ----------------------------------------------------------------
   Page queues
---------------------------------------------------------------- */

func pageQueueIsHuge(pq *pageQueue) bool {
	return pq.blockSize > largeSizeMax
}

func pageQueueIsFull(pq *pageQueue) bool {
	return pq.blockSize == (largeWsizeMax+2)*ptrSize
}

func (h *Heap) pageQueueForSize(size uintptr) *pageQueue {
	return &h.pages[binForSize(size)]
}

// pageQueueOf returns the queue a page currently belongs to.
func pageQueueOf(pg *page) *pageQueue {
	h := pg.heap
	if pg.inFull() {
		return &h.pages[binFull]
	}
	return &h.pages[binForSize(pg.blockSize)]
}

func (h *Heap) queueIndex(pq *pageQueue) int {
	return int((uintptr(unsafe.Pointer(pq)) - uintptr(unsafe.Pointer(&h.pages[0]))) /
		unsafe.Sizeof(pageQueue{}))
}

// heapQueueFirstUpdate keeps pagesFreeDirect pointing at the first
// page of the queue covering each small wsize, or at the empty page
// sentinel. Only queues of small sizes have direct entries.
func heapQueueFirstUpdate(h *Heap, pq *pageQueue) {
	size := pq.blockSize
	if size > smallSizeMax {
		return
	}
	pg := pq.first
	if pg == nil {
		pg = &pageEmpty
	}
	idx := wsizeFromSize(size)
	if h.pagesFreeDirect[idx] == pg {
		return // already set
	}
	// find the first wsize this queue covers: one past the previous
	// distinct bin (several direct slots can share a bin)
	var start uintptr
	if idx > 1 {
		bin := binForSize(size)
		i := h.queueIndex(pq)
		prev := i - 1
		for prev > 0 && bin == binForSize(h.pages[prev].blockSize) {
			prev--
		}
		start = 1 + wsizeFromSize(h.pages[prev].blockSize)
		if start > idx {
			start = idx
		}
	}
	for sz := start; sz <= idx; sz++ {
		h.pagesFreeDirect[sz] = pg
	}
}

func pageQueueRemove(h *Heap, pq *pageQueue, pg *page) {
	updateFirst := pq.first == pg
	if pg.prev != nil {
		pg.prev.next = pg.next
	}
	if pg.next != nil {
		pg.next.prev = pg.prev
	}
	if pg == pq.first {
		pq.first = pg.next
	}
	if pg == pq.last {
		pq.last = pg.prev
	}
	pg.next = nil
	pg.prev = nil
	h.pageCount--
	if updateFirst {
		heapQueueFirstUpdate(h, pq)
	}
}

// pageQueuePush pushes a page to the front: fresh pages get first
// shot at servicing their size class.
func pageQueuePush(h *Heap, pq *pageQueue, pg *page) {
	pg.next = pq.first
	pg.prev = nil
	if pq.first != nil {
		pq.first.prev = pg
	} else {
		pq.last = pg
	}
	pq.first = pg
	h.pageCount++
	heapQueueFirstUpdate(h, pq)
}

// pageQueueEnqueueFrom moves a page between queues of the same heap
// (bin to full and back).
func pageQueueEnqueueFrom(h *Heap, to, from *pageQueue, pg *page) {
	pageQueueRemove(h, from, pg)
	// append: pages demoted or promoted go behind current traffic
	pg.prev = to.last
	pg.next = nil
	if to.last != nil {
		to.last.next = pg
	} else {
		to.first = pg
	}
	to.last = pg
	h.pageCount++ // removed decremented it
	if to.first == pg {
		heapQueueFirstUpdate(h, to)
	}
}

/* ----------------------------------------------------------------
   The thread free list
---------------------------------------------------------------- */

// pageUseDelayedFree switches the threadFree tag, spinning while a
// cross-thread free holds the transient delayedFreeing state (it is
// still reading page.heap).
func pageUseDelayedFree(pg *page, tag uintptr) {
	for {
		tf := pg.threadFree.load()
		if tfTag(tf) == delayedFreeing {
			osYield()
			continue
		}
		if pg.threadFree.cas(tf, tfSetTag(tf, tag)) {
			break
		}
	}
}

// pageThreadFreeCollect claims the whole threadFree list and prepends
// it to free. The tag is preserved, only the pointer is taken.
func pageThreadFreeCollect(pg *page) {
	var head *block
	for {
		tf := pg.threadFree.load()
		head = tfBlock(tf)
		if pg.threadFree.cas(tf, tfSetBlock(tf, nil)) {
			break
		}
	}
	if head == nil {
		return
	}

	// find the tail and count
	count := uintptr(1)
	tail := head
	for next := blockNext(pg, tail); next != nil; next = blockNext(pg, tail) {
		count++
		tail = next
	}

	blockSetNext(pg, tail, pg.free)
	pg.free = head

	atomic.AddUint64(&pg.threadFreed, ^uint64(count-1))
	pg.used -= count
}

// pageFreeCollect folds localFree and the claimed threadFree into
// free.
func pageFreeCollect(pg *page) {
	if pg.localFree != nil {
		if pg.free == nil {
			// usual case
			pg.free = pg.localFree
		} else {
			tail := pg.free
			for next := blockNext(pg, tail); next != nil; next = blockNext(pg, tail) {
				tail = next
			}
			blockSetNext(pg, tail, pg.localFree)
		}
		pg.localFree = nil
	}
	// quick test to avoid the atomic claim when empty
	if tfBlock(pg.threadFree.load()) != nil {
		pageThreadFreeCollect(pg)
	}
}

// freeBlockMT is the cross-thread free path. With the default tag the
// block is CAS-pushed on the page list; in useDelayedFree state it
// goes to the owning heap's delayed list instead, with the transient
// delayedFreeing tag protecting the racy read of page.heap.
func freeBlockMT(pg *page, b *block) {
	var tf uint64
	useDelayed := false
	for {
		tf = pg.threadFree.load()
		useDelayed = tfTag(tf) == useDelayedFree
		var tfx uint64
		if useDelayed {
			// only happens on the first concurrent free of a page on
			// the full queue
			tfx = tfSetTag(tf, delayedFreeing)
		} else {
			blockSetNext(pg, b, tfBlock(tf))
			tfx = tfSetBlock(tf, b)
		}
		if pg.threadFree.cas(tf, tfx) {
			break
		}
	}

	if !useDelayed {
		atomic.AddUint64(&pg.threadFreed, 1)
		return
	}

	// racy read on heap is fine: delayedFreeing keeps the owner from
	// tearing it down under us
	heap := pg.heap
	if heap != nil {
		for {
			dfree := atomic.LoadUint64(&heap.threadDelayedFree)
			blockSetNextx(heap.cookie, b, (*block)(unsafe.Pointer(uintptr(dfree))))
			if atomic.CompareAndSwapUint64(&heap.threadDelayedFree, dfree,
				uint64(uintptr(unsafe.Pointer(b)))) {
				break
			}
		}
	}

	// and drop the transient tag again
	for {
		tf = pg.threadFree.load()
		if pg.threadFree.cas(tf, tfSetTag(tf, noDelayedFree)) {
			break
		}
	}
}

/* ----------------------------------------------------------------
   Page lifecycle
---------------------------------------------------------------- */

// Blocks carved per extension are capped so a fresh page only pays
// setup for memory that is actually about to be used.
const (
	maxExtendSize = 4 << 10
	minExtend     = 1
)

// pageExtendFree appends freshly carved blocks to the free list.
// Extension is incremental to amortize initialization and keep the
// working set tight.
func pageExtendFree(pg *page, stats *stats) {
	if pg.free != nil || pg.capacity >= pg.reserved {
		return
	}
	start, _ := pageStart(pg)

	extend := uintptr(pg.reserved) - uintptr(pg.capacity)
	maxExtend := uintptr(maxExtendSize) / pg.blockSize
	if maxExtend < minExtend {
		maxExtend = minExtend
	}
	if extend > maxExtend {
		extend = maxExtend
	}

	// carve [capacity, capacity+extend) into the free list
	first := uintptr(start) + uintptr(pg.capacity)*pg.blockSize
	head := (*block)(unsafe.Pointer(first))
	b := head
	for i := uintptr(1); i < extend; i++ {
		next := (*block)(unsafe.Pointer(first + i*pg.blockSize))
		blockSetNext(pg, b, next)
		b = next
	}
	blockSetNext(pg, b, pg.free)
	pg.free = head
	pg.capacity += uint16(extend)
	statIncrease(&stats.pagesExtended, 1)
	statIncrease(&stats.pageCommitted, int64(extend*pg.blockSize))
}

// pageInit binds a fresh segment page to a block size for heap.
func pageInit(h *Heap, pg *page, blockSize uintptr, stats *stats) {
	pg.blockSize = blockSize
	pg.heap = h
	pg.cookie = h.cookie
	_, psize := pageStart(pg)
	pg.reserved = uint16(psize / blockSize)
	if debugMode && pg.reserved == 0 {
		throw("pageInit: no room for blocks")
	}
	pageExtendFree(pg, stats)
	statIncrease(&stats.pages, 1)
}

// pageFresh allocates and initializes a new page for the queue.
func pageFresh(h *Heap, pq *pageQueue) *page {
	pg := segmentPageAlloc(pq.blockSize, &h.tld.segments, &h.tld.os)
	if pg == nil {
		return nil
	}
	pageInit(h, pg, pq.blockSize, &h.tld.stats)
	pageQueuePush(h, pq, pg)
	return pg
}

// pageFreshAlloc is pageFresh for an explicit block size (huge pages
// are larger than their queue's nominal size).
func pageFreshAlloc(h *Heap, pq *pageQueue, blockSize uintptr) *page {
	pg := segmentPageAlloc(blockSize, &h.tld.segments, &h.tld.os)
	if pg == nil {
		return nil
	}
	pageInit(h, pg, blockSize, &h.tld.stats)
	pageQueuePush(h, pq, pg)
	return pg
}

// pageToFull moves a page with no available blocks to the full queue
// and arranges for cross-thread frees to go through the heap delayed
// list, so the page can be requeued on the first free.
func pageToFull(h *Heap, pg *page, pq *pageQueue) {
	if pg.inFull() {
		return
	}
	pageQueueEnqueueFrom(h, &h.pages[binFull], pq, pg)
	pg.setInFull(true)
	pageUseDelayedFree(pg, useDelayedFree)
	// catch a racing free that came in just before the tag was set
	pageFreeCollect(pg)
	if pageImmediateAvailable(pg) {
		pageUnfull(pg)
	}
}

// pageUnfull returns a full page to its size class queue.
func pageUnfull(pg *page) {
	pageUseDelayedFree(pg, noDelayedFree)
	if !pg.inFull() {
		return
	}
	h := pg.heap
	pqFull := &h.pages[binFull]
	pg.setInFull(false) // to find the right bin queue
	pq := pageQueueOf(pg)
	pg.setInFull(true)
	pageQueueEnqueueFrom(h, pq, pqFull, pg)
	pg.setInFull(false)
}

// pageFree removes a page from its queue and hands it back to the
// segment allocator.
func pageFree(pg *page, pq *pageQueue, force bool) {
	pg.setHasAligned(false)
	h := pg.heap
	pageQueueRemove(h, pq, pg)
	pg.heap = nil
	segmentPageFree(pg, force, &h.tld.segments)
}

// pageRetire is called when a page became entirely free. Retiring is
// skipped when the neighbours in the bin are nearly full, to avoid
// bouncing a page between the segment and the heap on alloc/free
// waves at one size.
func pageRetire(pg *page) {
	pg.setHasAligned(false)
	if pg.blockSize <= smallSizeMax {
		if pageMostlyUsed(pg.prev) && pageMostlyUsed(pg.next) {
			return // don't retire after all
		}
	}
	pageFree(pg, pageQueueOf(pg), false)
}

// pageReclaim adopts an abandoned page into heap's queues. The page
// keeps the cookie it was initialized with: the links on its free
// lists are already encoded with it.
func pageReclaim(h *Heap, pg *page) {
	pg.heap = h
	pageFreeCollect(pg)
	pageQueuePush(h, h.pageQueueForSize(pg.blockSize), pg)
}

// freeBlockLocal is the owner-thread free path.
func freeBlockLocal(pg *page, b *block) {
	blockSetNext(pg, b, pg.localFree)
	pg.localFree = b
	pg.used--
	if pageAllFree(pg) {
		pageRetire(pg)
	} else if pg.inFull() {
		pageUnfull(pg)
	}
}

// freeDelayedBlock frees one block taken from the heap delayed list;
// the caller is the owning thread. Dropping the delayed tag first is
// load bearing: it spins out any cross-thread freer still in its
// delayedFreeing window, so the page cannot retire under it.
func freeDelayedBlock(h *Heap, b *block) {
	pg := ptrPage(unsafe.Pointer(b))
	pageUseDelayedFree(pg, noDelayedFree)
	freeBlockLocal(pg, b)
}

// pageAllocBlock pops the head of the free list. The caller ensured
// free is not empty.
func pageAllocBlock(pg *page) *block {
	b := pg.free
	if debugMode && b == nil {
		throw("pageAllocBlock: empty free list")
	}
	pg.free = blockNext(pg, b)
	pg.used++
	return b
}

// pageUnalignBlock recovers the block start from an interior pointer
// handed out by the aligned allocation helpers.
func pageUnalignBlock(s *segment, pg *page, p unsafe.Pointer) *block {
	start, _ := segmentPageStart(s, pg, pg.blockSize)
	diff := uintptr(p) - uintptr(start)
	adjust := diff % pg.blockSize
	return (*block)(unsafe.Pointer(uintptr(p) - adjust))
}

func pageIsValid(pg *page) bool {
	if pg.capacity > pg.reserved {
		throw("page: capacity above reserved")
	}
	nfree := uintptr(0)
	for b := pg.free; b != nil; b = blockNext(pg, b) {
		nfree++
	}
	for b := pg.localFree; b != nil; b = blockNext(pg, b) {
		nfree++
	}
	if pg.used+nfree < uintptr(pg.capacity) {
		throw("page: block count out of sync")
	}
	return true
}
