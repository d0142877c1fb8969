// Copyright 2019 The mimalloc-go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Segment allocator.
//
// Pages are allocated inside big OS allocated segments (4 MiB,
// naturally aligned). This avoids splitting VMAs and keeps pointer to
// page recovery a mask and a shift. Each thread owns its segments:
//
//   - small pages (64 KiB), 64 in one segment
//   - large pages (4 MiB), one spanning the segment
//   - huge blocks (from largeSizeMax minus the segment header up)
//     get a segment of the exact required size, still segment aligned
//
// When a thread ends it abandons pages that still hold live blocks;
// abandoned segments sit on a global lock-free stack and are
// reclaimed by running threads, much like work stealing.

package mimalloc

import (
	"sync/atomic"
	"unsafe"
)

func segmentIsValid(s *segment) bool {
	if s == nil {
		throw("segment: nil")
	}
	if s.cookie != ptrCookie(unsafe.Pointer(s)) {
		throw("segment: cookie mismatch")
	}
	if s.used > s.capacity || s.abandoned > s.used {
		throw("segment: count invariant")
	}
	nfree := uintptr(0)
	for i := uintptr(0); i < s.capacity; i++ {
		if !s.pages[i].segmentInUse {
			nfree++
		}
	}
	if nfree+s.used != s.capacity {
		throw("segment: used count out of sync")
	}
	return true
}

/* ----------------------------------------------------------------
   Queues of segments
---------------------------------------------------------------- */

func segmentQueueContains(q *segmentQueue, s *segment) bool {
	for list := q.first; list != nil; list = list.next {
		if list == s {
			return true
		}
	}
	return false
}

func segmentQueueIsEmpty(q *segmentQueue) bool {
	return q.first == nil
}

func segmentQueueRemove(q *segmentQueue, s *segment) {
	if debugMode && !segmentQueueContains(q, s) {
		throw("segmentQueueRemove: not in queue")
	}
	if s.prev != nil {
		s.prev.next = s.next
	}
	if s.next != nil {
		s.next.prev = s.prev
	}
	if s == q.first {
		q.first = s.next
	}
	if s == q.last {
		q.last = s.prev
	}
	s.next = nil
	s.prev = nil
}

func segmentEnqueue(q *segmentQueue, s *segment) {
	if debugMode && segmentQueueContains(q, s) {
		throw("segmentEnqueue: already queued")
	}
	s.next = nil
	s.prev = q.last
	if q.last != nil {
		q.last.next = s
		q.last = s
	} else {
		q.first = s
		q.last = s
	}
}

func segmentQueueInsertBefore(q *segmentQueue, elem, s *segment) {
	if elem == nil {
		s.prev = q.last
	} else {
		s.prev = elem.prev
	}
	if s.prev != nil {
		s.prev.next = s
	} else {
		q.first = s
	}
	s.next = elem
	if s.next != nil {
		s.next.prev = s
	} else {
		q.last = s
	}
}

// segmentIsInFreeQueue is a quick membership test for the smallFree
// queue; only small segments are ever queued there.
func segmentIsInFreeQueue(s *segment, tld *segmentsTld) bool {
	inQueue := s.next != nil || s.prev != nil || tld.smallFree.first == s
	if inQueue && debugMode {
		if s.pageKind != pageSmall {
			throw("segment: non-small segment in free queue")
		}
		if !segmentQueueContains(&tld.smallFree, s) {
			throw("segment: queue links without membership")
		}
	}
	return inQueue
}

/* ----------------------------------------------------------------
   Page start and segment sizing
---------------------------------------------------------------- */

// segmentPageStart returns the start of the page available memory and
// its usable size. Works on uninitialized pages, only segmentIdx must
// be set. The first page starts after the segment metadata; small
// page starts are additionally aligned to the block size.
func segmentPageStart(s *segment, pg *page, blockSize uintptr) (unsafe.Pointer, uintptr) {
	psize := uintptr(1) << s.pageShift
	if s.pageKind == pageHuge {
		psize = s.segmentSize
	}
	p := uintptr(unsafe.Pointer(s)) + uintptr(pg.segmentIdx)*psize

	if pg.segmentIdx == 0 {
		p += s.segmentInfoSize
		psize -= s.segmentInfoSize
		if blockSize > 0 && s.pageKind == pageSmall {
			if adjust := blockSize - p%blockSize; adjust < blockSize {
				p += adjust
				psize -= adjust
			}
		}
	}
	secure := optionGet(OptionSecure)
	if secure > 1 || (secure == 1 && uintptr(pg.segmentIdx) == s.capacity-1) {
		// secure == 1: the last page carries an OS guard page at the
		// segment end; secure > 1: every page does
		psize -= physPageSize
	}
	return unsafe.Pointer(p), psize
}

// segmentCalcSize returns the total segment size for the required
// payload along with the metadata sizes. infoSize is the header
// proper, preSize additionally covers the guard page in secure mode.
func segmentCalcSize(required uintptr) (segSize, preSize, infoSize uintptr) {
	minsize := unsafe.Sizeof(segment{}) + 16 // padding
	guardSize := uintptr(0)
	if !optionIsEnabled(OptionSecure) {
		align := uintptr(16)
		if maxAlignSize > align {
			align = maxAlignSize
		}
		infoSize = alignUp(minsize, align)
	} else {
		// in secure mode a protected page sits between the segment
		// info and the page data, and one at the segment end
		infoSize = alignUp(minsize, physPageSize)
		guardSize = physPageSize
		required = alignUp(required, physPageSize)
	}
	preSize = infoSize + guardSize
	if required == 0 {
		segSize = segmentSize
	} else {
		segSize = alignUp(required+infoSize+2*guardSize, pageHugeAlign)
	}
	return
}

/* ----------------------------------------------------------------
   Segment caches
   A small per-thread cache of retired segments avoids repeated mmap
   and munmap when a program allocates and frees in waves.
---------------------------------------------------------------- */

const (
	segmentCacheMax      = 32
	segmentCacheFraction = 8 // cache is at most 1/8 of the peak in use
)

func segmentsTrackSize(segSize int64, tld *segmentsTld) {
	if segSize >= 0 {
		statIncrease(&tld.stats.segments, 1)
		tld.currentSize += uintptr(segSize)
	} else {
		statDecrease(&tld.stats.segments, 1)
		tld.currentSize -= uintptr(-segSize)
	}
	if tld.currentSize > tld.peakSize {
		tld.peakSize = tld.currentSize
	}
}

func segmentOSFree(s *segment, segSize uintptr, tld *segmentsTld) {
	segmentsTrackSize(-int64(segSize), tld)
	osFree(unsafe.Pointer(s), segSize, tld.stats)
}

// segmentCacheFindx pops a cached segment of at least required bytes.
// required == 0 accepts anything (used for eviction and teardown).
// An oversized generic candidate is shrunk to match; when shrinking
// fails the candidate is released and nil returned.
func segmentCacheFindx(tld *segmentsTld, required uintptr, reverse bool) *segment {
	s := tld.cache.first
	if reverse {
		s = tld.cache.last
	}
	for s != nil {
		if s.segmentSize >= required {
			tld.cacheCount--
			tld.cacheSize -= s.segmentSize
			segmentQueueRemove(&tld.cache, s)
			if required == 0 || s.segmentSize == required {
				return s
			}
			// huge sizes need not match exactly when no more than
			// 25% is wasted
			if required != segmentSize && s.segmentSize-s.segmentSize/4 <= required {
				return s
			}
			// otherwise shrink the mapping to match exactly
			if optionIsEnabled(OptionSecure) {
				osUnprotect(unsafe.Pointer(s), s.segmentSize)
			}
			if osShrink(unsafe.Pointer(s), s.segmentSize, required, tld.stats) {
				tld.currentSize -= s.segmentSize
				tld.currentSize += required
				s.segmentSize = required
				return s
			}
			// give up on this candidate
			segmentOSFree(s, s.segmentSize, tld)
			return nil
		}
		if reverse {
			s = s.prev
		} else {
			s = s.next
		}
	}
	return nil
}

func segmentCacheFind(tld *segmentsTld, required uintptr) *segment {
	return segmentCacheFindx(tld, required, false)
}

func segmentCacheEvict(tld *segmentsTld) *segment {
	// evict the largest, from the end of the size-ordered queue
	return segmentCacheFindx(tld, 0, true)
}

func segmentCacheFull(tld *segmentsTld) bool {
	if tld.cacheCount < segmentCacheMax &&
		tld.cacheSize*segmentCacheFraction < tld.peakSize {
		return false
	}
	// take the opportunity to trim an oversized cache now
	for tld.cacheSize*segmentCacheFraction >= tld.peakSize+1 {
		s := segmentCacheEvict(tld)
		if s == nil {
			break
		}
		segmentOSFree(s, s.segmentSize, tld)
	}
	return true
}

func segmentCacheInsert(s *segment, tld *segmentsTld) bool {
	if debugMode && (s.next != nil || s.prev != nil || segmentIsInFreeQueue(s, tld)) {
		throw("segmentCacheInsert: still queued")
	}
	if segmentCacheFull(tld) {
		return false
	}
	if optionIsEnabled(OptionCacheReset) && !optionIsEnabled(OptionPageReset) {
		osReset(unsafe.Pointer(uintptr(unsafe.Pointer(s))+s.segmentInfoSize),
			s.segmentSize-s.segmentInfoSize, tld.stats)
	}
	// keep the cache ordered by size
	seg := tld.cache.first
	for seg != nil && seg.segmentSize < s.segmentSize {
		seg = seg.next
	}
	segmentQueueInsertBefore(&tld.cache, seg, s)
	tld.cacheCount++
	tld.cacheSize += s.segmentSize
	return true
}

// segmentThreadCollect frees all cached segments, called by ending
// threads.
func segmentThreadCollect(tld *segmentsTld) {
	for {
		s := segmentCacheFind(tld, 0)
		if s == nil {
			break
		}
		segmentOSFree(s, s.segmentSize, tld)
	}
	if debugMode && (tld.cacheCount != 0 || tld.cacheSize != 0 || !segmentQueueIsEmpty(&tld.cache)) {
		throw("segmentThreadCollect: cache not empty")
	}
}

/* ----------------------------------------------------------------
   Segment allocation
---------------------------------------------------------------- */

// segmentAlloc allocates a segment from the cache or the OS, aligned
// to segmentSize, and initializes the header for the given page kind.
func segmentAlloc(required uintptr, kind pageKind, pageShift uintptr, tld *segmentsTld, osTld *osTld) *segment {
	var capacity uintptr
	if kind == pageHuge {
		if debugMode && (pageShift != segmentShift || required == 0) {
			throw("segmentAlloc: bad huge request")
		}
		capacity = 1
	} else {
		if debugMode && required != 0 {
			throw("segmentAlloc: sized non-huge request")
		}
		pageSize := uintptr(1) << pageShift
		capacity = segmentSize / pageSize
	}
	segSize, preSize, infoSize := segmentCalcSize(required)
	pageSize := uintptr(1) << pageShift
	if kind == pageHuge {
		pageSize = segSize
	}

	// try the cache first; a huge candidate may be somewhat larger
	// than computed (25% waste rule), keep its true mapping size
	actualSize := segSize
	s := segmentCacheFind(tld, segSize)
	if s != nil {
		actualSize = s.segmentSize
		if optionIsEnabled(OptionSecure) &&
			(s.pageKind != kind || s.segmentSize != segSize) {
			// guard layout differs, drop the old protections
			osUnprotect(unsafe.Pointer(s), s.segmentSize)
		}
	}

	// and otherwise the OS
	if s == nil {
		s = (*segment)(osAllocAligned(segSize, segmentSize, true, osTld))
		if s == nil {
			return nil
		}
		segmentsTrackSize(int64(segSize), tld)
	}
	if debugMode && uintptr(unsafe.Pointer(s))%segmentSize != 0 {
		throw("segmentAlloc: misaligned segment")
	}

	memclr(unsafe.Pointer(s), infoSize)
	if optionIsEnabled(OptionSecure) {
		// a protected page between the segment info and the page data
		osProtect(unsafe.Pointer(uintptr(unsafe.Pointer(s))+infoSize), preSize-infoSize)
		if optionGet(OptionSecure) <= 1 {
			// and one at the segment end
			osProtect(unsafe.Pointer(uintptr(unsafe.Pointer(s))+actualSize-physPageSize), physPageSize)
		} else {
			// or at the end of every page
			for i := uintptr(0); i < capacity; i++ {
				osProtect(unsafe.Pointer(uintptr(unsafe.Pointer(s))+(i+1)*pageSize-physPageSize), physPageSize)
			}
		}
	}

	s.pageKind = kind
	s.capacity = capacity
	s.pageShift = pageShift
	s.segmentSize = actualSize
	s.segmentInfoSize = preSize
	s.threadID = tld.threadID
	s.cookie = ptrCookie(unsafe.Pointer(s))
	for i := uintptr(0); i < capacity; i++ {
		s.pages[i].segmentIdx = uint8(i)
	}
	statIncrease(&tld.stats.pageCommitted, int64(s.segmentInfoSize))
	return s
}

// pageUsableSize is the memory a page spans, used for reset stats.
func pageUsableSize(pg *page) uintptr {
	_, psize := segmentPageStart(pageSegment(pg), pg, pg.blockSize)
	return psize
}

func segmentFree(s *segment, force bool, tld *segmentsTld) {
	if segmentIsInFreeQueue(s, tld) {
		if debugMode && s.pageKind != pageSmall {
			throw("segmentFree: expected small segment")
		}
		segmentQueueRemove(&tld.smallFree, s)
	}
	if debugMode && (s.next != nil || s.prev != nil) {
		throw("segmentFree: still linked")
	}
	statDecrease(&tld.stats.pageCommitted, int64(s.segmentInfoSize))
	s.threadID = 0

	// settle reset accounting before the memory goes away
	for i := uintptr(0); i < s.capacity; i++ {
		pg := &s.pages[i]
		if pg.isReset {
			pg.isReset = false
			statDecrease(&tld.stats.reset, int64(pageUsableSize(pg)))
		}
	}

	if !force && segmentCacheInsert(s, tld) {
		return // in the cache
	}
	segmentOSFree(s, s.segmentSize, tld)
}

/* ----------------------------------------------------------------
   Free page management inside a segment
---------------------------------------------------------------- */

func segmentHasFree(s *segment) bool {
	return s.used < s.capacity
}

func segmentFindFree(s *segment) *page {
	if debugMode && !segmentHasFree(s) {
		throw("segmentFindFree: no free pages")
	}
	for i := uintptr(0); i < s.capacity; i++ {
		pg := &s.pages[i]
		if !pg.segmentInUse {
			return pg
		}
	}
	throw("segmentFindFree: inconsistent used count")
	return nil
}

// segmentPageClear returns a page slot to the segment, resetting the
// page state except for the slot index and the reset flag.
func segmentPageClear(s *segment, pg *page, stats *stats) {
	if debugMode && (!pg.segmentInUse || !pageAllFree(pg)) {
		throw("segmentPageClear: page still in use")
	}
	inuse := uintptr(pg.capacity) * pg.blockSize
	statDecrease(&stats.pageCommitted, int64(inuse))
	statDecrease(&stats.pages, 1)

	// reset the page memory to reduce pressure?
	if !pg.isReset && optionIsEnabled(OptionPageReset) {
		start, psize := segmentPageStart(s, pg, pg.blockSize)
		statIncrease(&stats.reset, int64(psize))
		pg.isReset = true
		if inuse > 0 {
			osReset(start, inuse, stats)
		}
	}

	idx := pg.segmentIdx
	isReset := pg.isReset
	*pg = page{}
	pg.segmentIdx = idx
	pg.isReset = isReset
	s.used--
}

// segmentPageFree releases a page back to its segment. An empty
// segment is released (cache or OS); a segment whose remaining used
// pages are all abandoned is pushed on the abandoned stack; a small
// segment that regained room is re-queued for reuse.
func segmentPageFree(pg *page, force bool, tld *segmentsTld) {
	s := pageSegment(pg)
	if debugMode {
		segmentIsValid(s)
	}
	segmentPageClear(s, pg, tld.stats)

	if s.used == 0 {
		segmentFree(s, force, tld)
	} else if s.used == s.abandoned {
		segmentAbandon(s, tld)
	} else if s.used+1 == s.capacity {
		if debugMode && s.pageKind != pageSmall {
			throw("segmentPageFree: large segment with free slot")
		}
		// regained a free slot, back on the small free queue
		segmentEnqueue(&tld.smallFree, s)
	}
}

/* ----------------------------------------------------------------
   Abandonment

   When threads terminate they can leave segments with live blocks,
   reachable through other threads. Such segments are abandoned and
   later reclaimed by running threads to reuse their pages or free
   them. The stack is a CAS list; ABA is tolerated because a segment
   cannot re-enter the stack while any thread still references it.
---------------------------------------------------------------- */

var (
	abandonedSegments uint64 // atomic *segment
	abandonedCount    uint64 // atomic
)

func segmentAbandon(s *segment, tld *segmentsTld) {
	if debugMode {
		if s.used != s.abandoned || s.used == 0 {
			throw("segmentAbandon: not fully abandoned")
		}
		if s.abandonedNext != nil {
			throw("segmentAbandon: already on stack")
		}
		segmentIsValid(s)
	}
	if segmentIsInFreeQueue(s, tld) {
		segmentQueueRemove(&tld.smallFree, s)
	}
	s.threadID = 0
	for {
		head := atomic.LoadUint64(&abandonedSegments)
		s.abandonedNext = (*segment)(unsafe.Pointer(uintptr(head)))
		if atomic.CompareAndSwapUint64(&abandonedSegments, head, uint64(uintptr(unsafe.Pointer(s)))) {
			break
		}
	}
	atomic.AddUint64(&abandonedCount, 1)
	statIncrease(&tld.stats.segmentsAbandoned, 1)
}

// segmentPageAbandon is called by an exiting owner for a page with
// live blocks; when the whole segment is abandoned it goes on the
// global stack.
func segmentPageAbandon(pg *page, tld *segmentsTld) {
	s := pageSegment(pg)
	if debugMode {
		segmentIsValid(s)
	}
	s.abandoned++
	statIncrease(&tld.stats.pagesAbandoned, 1)
	if debugMode && s.abandoned > s.used {
		throw("segmentPageAbandon: count invariant")
	}
	if s.used == s.abandoned {
		segmentAbandon(s, tld)
	}
}

// segmentTryReclaimAbandoned adopts abandoned segments into heap.
// tryAll reclaims everything available (teardown); otherwise the
// budget is an eighth of the outstanding count, at least eight.
// Returns whether any segment was reclaimed.
func segmentTryReclaimAbandoned(heap *Heap, tryAll bool, tld *segmentsTld) bool {
	reclaimed := uintptr(0)
	var atmost uintptr
	if tryAll {
		atmost = uintptr(atomic.LoadUint64(&abandonedCount)) + 16 // close enough
	} else {
		atmost = uintptr(atomic.LoadUint64(&abandonedCount)) / 8
		if atmost < 8 {
			atmost = 8
		}
	}

	for atmost > reclaimed {
		// claim the head of the abandoned stack
		var s *segment
		for {
			head := atomic.LoadUint64(&abandonedSegments)
			s = (*segment)(unsafe.Pointer(uintptr(head)))
			if s == nil {
				break
			}
			next := uint64(uintptr(unsafe.Pointer(s.abandonedNext)))
			if atomic.CompareAndSwapUint64(&abandonedSegments, head, next) {
				break
			}
		}
		if s == nil {
			break // no more segments
		}

		atomic.AddUint64(&abandonedCount, ^uint64(0))
		s.threadID = heap.threadID
		s.abandonedNext = nil
		segmentsTrackSize(int64(s.segmentSize), tld)
		if debugMode {
			if s.next != nil || s.prev != nil {
				throw("reclaim: segment still linked")
			}
			segmentIsValid(s)
		}
		statDecrease(&tld.stats.segmentsAbandoned, 1)

		// free page slots go back to this thread
		if s.pageKind == pageSmall && segmentHasFree(s) {
			segmentEnqueue(&tld.smallFree, s)
		}
		// and the abandoned pages are adopted one by one
		if debugMode && s.abandoned != s.used {
			throw("reclaim: partially abandoned segment on stack")
		}
		for i := uintptr(0); i < s.capacity; i++ {
			pg := &s.pages[i]
			if !pg.segmentInUse {
				continue
			}
			s.abandoned--
			statDecrease(&tld.stats.pagesAbandoned, 1)
			if pageAllFree(pg) {
				// everything was freed by producers meanwhile
				segmentPageClear(s, pg, tld.stats)
			} else {
				pageReclaim(heap, pg)
			}
		}
		if debugMode && s.abandoned != 0 {
			throw("reclaim: leftover abandoned pages")
		}
		if s.used == 0 { // all pages cleared above
			segmentFree(s, false, tld)
		} else {
			reclaimed++
		}
	}
	return reclaimed > 0
}

/* ----------------------------------------------------------------
   Small page allocation
---------------------------------------------------------------- */

// segmentSmallPageAllocIn takes a free slot from a small segment that
// is known to have one; the segment leaves the free queue when the
// slot was the last.
func segmentSmallPageAllocIn(s *segment, tld *segmentsTld) *page {
	pg := segmentFindFree(s)
	pg.segmentInUse = true
	s.used++
	if s.used == s.capacity {
		segmentQueueRemove(&tld.smallFree, s)
	}
	return pg
}

func segmentSmallPageAlloc(tld *segmentsTld, osTld *osTld) *page {
	if segmentQueueIsEmpty(&tld.smallFree) {
		s := segmentAlloc(0, pageSmall, smallPageShift, tld, osTld)
		if s == nil {
			return nil
		}
		segmentEnqueue(&tld.smallFree, s)
	}
	return segmentSmallPageAllocIn(tld.smallFree.first, tld)
}

/* ----------------------------------------------------------------
   Large and huge page allocation
---------------------------------------------------------------- */

func segmentLargePageAlloc(tld *segmentsTld, osTld *osTld) *page {
	s := segmentAlloc(0, pageLarge, largePageShift, tld, osTld)
	if s == nil {
		return nil
	}
	s.used = 1
	pg := &s.pages[0]
	pg.segmentInUse = true
	return pg
}

func segmentHugePageAlloc(size uintptr, tld *segmentsTld, osTld *osTld) *page {
	s := segmentAlloc(size, pageHuge, segmentShift, tld, osTld)
	if s == nil {
		return nil
	}
	if debugMode && s.segmentSize-s.segmentInfoSize < size {
		throw("segmentHugePageAlloc: undersized segment")
	}
	s.used = 1
	pg := &s.pages[0]
	pg.segmentInUse = true
	return pg
}

// segmentPageAlloc dispatches on the block size to the page kind.
func segmentPageAlloc(blockSize uintptr, tld *segmentsTld, osTld *osTld) *page {
	var pg *page
	switch {
	case blockSize < smallPageSize/8:
		pg = segmentSmallPageAlloc(tld, osTld)
	case blockSize < largeSizeMax-unsafe.Sizeof(segment{}):
		pg = segmentLargePageAlloc(tld, osTld)
	default:
		pg = segmentHugePageAlloc(blockSize, tld, osTld)
	}
	if pg != nil {
		if pg.isReset {
			// reset memory becomes usable again on first touch,
			// unless reset decommitted it
			start, psize := segmentPageStart(pageSegment(pg), pg, blockSize)
			osUnreset(start, psize, tld.stats)
			pg.isReset = false
			statDecrease(&tld.stats.reset, int64(psize))
		}
		if debugMode {
			segmentIsValid(pageSegment(pg))
		}
	}
	return pg
}
