// Copyright 2019 The mimalloc-go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Main internal data structures.
//
// See malloc.go for overview.

package mimalloc

import (
	"runtime"
	"sync/atomic"
	"unsafe"
)

// osYield backs the spin in the delayed-free protocol.
func osYield() { runtime.Gosched() }

// The allocator packs pointers into 64-bit atomic words, so it is
// 64-bit only.
const (
	ptrShift = 3
	ptrSize  = 1 << ptrShift
)

// Main tuning parameters for segment and page sizes.
const (
	smallPageShift = 13 + ptrShift     // 64 KiB
	largePageShift = 6 + smallPageShift // 4 MiB
	segmentShift   = largePageShift     // 4 MiB

	segmentSize = 1 << segmentShift
	segmentMask = segmentSize - 1

	smallPageSize = 1 << smallPageShift
	largePageSize = 1 << largePageShift

	smallPagesPerSegment = segmentSize / smallPageSize
	largePagesPerSegment = segmentSize / largePageSize

	// Blocks above largeSizeMax get their own huge segment.
	largeSizeMax  = largePageSize / 8 // 512 KiB
	largeWsizeMax = largeSizeMax / ptrSize

	// The direct page table covers sizes up to smallSizeMax.
	smallWsizeMax = 128
	smallSizeMax  = smallWsizeMax * ptrSize

	// Size classes are spaced exponentially in ~16.7% increments.
	binHuge = 64
	binFull = binHuge + 1

	// Minimal alignment of returned blocks. On most platforms 16
	// bytes are needed due to SSE registers. Must be >= ptrSize.
	maxAlignSize = 16

	// Huge segments are rounded up to a multiple of this.
	pageHugeAlign = 256 << 10
)

// A block is one unit handed to the user. While on a free list its
// first word links to the next free block; when secure mode is on the
// link is xor-encoded with the page cookie (see blockNext).
//
// Blocks live in OS-mapped memory the Go collector never traces, so
// the link is a bare uintptr and no write barriers are involved.
type block struct {
	next uintptr
}

// Tag bits of the page threadFree word.
const (
	noDelayedFree  = 0 // push cross-thread frees directly on the page list
	useDelayedFree = 1 // push cross-thread frees on the heap delayed list
	delayedFreeing = 2 // transient, a delayed push is reading page.heap
)

// threadFree is an atomic word encoding (block pointer << 2) | tag.
// Blocks are at least word aligned so the shifted pointer fits: user
// space addresses leave the top bits clear.
type threadFree struct {
	value uint64
}

func tfMake(b *block, tag uintptr) uint64 {
	return uint64(uintptr(unsafe.Pointer(b))<<2 | tag)
}

func tfBlock(v uint64) *block {
	return (*block)(unsafe.Pointer(uintptr(v) >> 2))
}

func tfTag(v uint64) uintptr {
	return uintptr(v) & 3
}

func tfSetBlock(v uint64, b *block) uint64 {
	return tfMake(b, tfTag(v))
}

func tfSetTag(v uint64, tag uintptr) uint64 {
	return v&^3 | uint64(tag)
}

func (tf *threadFree) load() uint64 {
	return atomic.LoadUint64(&tf.value)
}

func (tf *threadFree) cas(old, new uint64) bool {
	return atomic.CompareAndSwapUint64(&tf.value, old, new)
}

// Page flag bits.
const (
	pageFlagHasAligned = 1 << 0 // an aligned helper handed out an interior pointer
	pageFlagInFull     = 1 << 1 // page is on the heap full queue
)

type pageKind uint8

const (
	pageSmall pageKind = iota // many 64 KiB pages inside a segment
	pageLarge                 // one page spanning a whole segment
	pageHuge                  // one page in a segment of the exact required size
)

// A page is a subrange of a segment dedicated to a single block size.
// Pages live inline in the segment header, so their addresses are
// stable for the segment lifetime and intrusive next/prev links need
// no separate arena.
type page struct {
	// owned by the segment
	segmentIdx   uint8 // index in segment.pages: page == &segment.pages[page.segmentIdx]
	segmentInUse bool  // the segment handed this page to a heap
	isReset      bool  // the page memory was given back via osReset

	// grouped for the malloc/free fast paths
	flags    uint8
	capacity uint16 // number of blocks carved so far
	reserved uint16 // number of blocks that fit in the page

	free   *block  // available blocks, owner thread only
	cookie uintptr // xor-encodes free list links in secure mode
	used   uintptr // blocks handed out, including frees pending on threadFree

	localFree   *block     // deferred frees by the owner thread, merged into free
	threadFreed uint64     // atomic: at least this many blocks sit in threadFree
	threadFree  threadFree // atomic: deferred frees by other threads

	// less frequently accessed
	blockSize uintptr // bytes per block, > 0 once bound to a bin
	heap      *Heap   // owning heap, nil while abandoned
	next      *page   // next page in the heap queue of this block size
	prev      *page
}

func (p *page) hasAligned() bool     { return p.flags&pageFlagHasAligned != 0 }
func (p *page) setHasAligned(v bool) { p.setFlag(pageFlagHasAligned, v) }
func (p *page) inFull() bool         { return p.flags&pageFlagInFull != 0 }
func (p *page) setInFull(v bool)     { p.setFlag(pageFlagInFull, v) }

func (p *page) setFlag(bit uint8, v bool) {
	if v {
		p.flags |= bit
	} else {
		p.flags &^= bit
	}
}

// A segment is a segmentSize aligned region from the OS, subdivided
// into pages of one kind. The header (this struct) occupies the start
// of the region itself; pointer recovery relies on the alignment:
// segmentOf(p) == p &^ segmentMask.
type segment struct {
	next *segment // in the tld smallFree or cache queue
	prev *segment

	abandonedNext *segment // in the global abandoned stack

	abandoned uintptr // abandoned pages, abandoned <= used
	used      uintptr // pages in use by a heap, used <= capacity
	capacity  uintptr // total page slots

	segmentSize     uintptr // for huge pages this can differ from segmentSize const
	segmentInfoSize uintptr // header bytes (plus guard page) taken from the first page
	cookie          uintptr // ptrCookie(segment), checked in debug mode

	// grouped for the free fast path
	pageShift uintptr  // 1 << pageShift is the page size
	threadID  uintptr  // owning thread, 0 when abandoned
	pageKind  pageKind

	pages [smallPagesPerSegment]page // only pages[:capacity] is meaningful
}

// Pages of one block size hang off a heap in a queue.
type pageQueue struct {
	first     *page
	last      *page
	blockSize uintptr
}

// A Heap owns pages and services all allocation for one thread of
// execution. Every Heap is bound to the attachment that created it
// (see ThreadInit); Free may be called through any Heap, frees of
// blocks owned elsewhere take the cross-thread path.
type Heap struct {
	tld *tld

	// pagesFreeDirect maps a small wsize to a page that likely has a
	// free block, so the common malloc sizes need no bin computation.
	// Entries never hold nil, the empty page is the sentinel.
	pagesFreeDirect [smallWsizeMax + 2]*page

	// pages holds a queue per size class plus the full queue.
	pages [binFull + 1]pageQueue

	// thread delayed free list: blocks freed by other threads while
	// their page was in useDelayedFree state. Encoded with cookie.
	threadDelayedFree uint64 // atomic *block

	threadID  uintptr
	cookie    uintptr
	random    uintptr
	pageCount uintptr
	noReclaim bool // do not adopt abandoned segments
}

// Queue of segments.
type segmentQueue struct {
	first *segment
	last  *segment
}

// Per-thread segment state.
type segmentsTld struct {
	threadID    uintptr      // id of the owning thread, stamped on segments
	smallFree   segmentQueue // small segments with at least one free page slot
	currentSize uintptr      // bytes of all live segments of this thread
	peakSize    uintptr
	cacheCount  uintptr
	cacheSize   uintptr // bytes in the cache, capped against peakSize
	cache       segmentQueue // size-ordered cache of retired segments
	stats       *stats
}

// Per-thread OS allocation state.
type osTld struct {
	stats *stats
}

// Thread local data, owned exclusively by one thread of execution.
// The backing heap is the heap that owns this tld's storage.
type tld struct {
	heartbeat   uint64
	heapBacking *Heap
	segments    segmentsTld
	os          osTld
	stats       stats
}

// threadData is the backing storage for a non-main heap and its tld.
// It is allocated straight from the OS so no allocator state ever
// lives on the Go heap; Done frees it wholesale.
type threadData struct {
	heap Heap // must come first, Done recovers the threadData from it
	tld  tld
}

func alignUp(n, align uintptr) uintptr {
	return (n + align - 1) &^ (align - 1)
}

func alignDown(n, align uintptr) uintptr {
	return n &^ (align - 1)
}

func alignUpPtr(p unsafe.Pointer, align uintptr) unsafe.Pointer {
	return unsafe.Pointer(alignUp(uintptr(p), align))
}

// memclr zeroes a raw range. Only used on freshly mapped or owned
// metadata, never concurrently.
func memclr(p unsafe.Pointer, n uintptr) {
	b := unsafe.Slice((*byte)(p), n)
	for i := range b {
		b[i] = 0
	}
}

// throw reports an internal invariant violation and crashes. Checks
// behind debugMode are elided in release builds of the constant.
const debugMode = false

func throw(s string) {
	println("mimalloc: fatal error:", s)
	panic(s)
}
