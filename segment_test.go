// Copyright 2019 The mimalloc-go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build unix

package mimalloc

import (
	"testing"
	"unsafe"
)

func TestSegmentCalcSize(t *testing.T) {
	ProcessInit()
	segSize, preSize, infoSize := segmentCalcSize(0)
	if segSize != segmentSize {
		t.Fatalf("generic segment size %d, want %d", segSize, segmentSize)
	}
	if infoSize < unsafe.Sizeof(segment{}) {
		t.Fatalf("info size %d below header size", infoSize)
	}
	if preSize != infoSize {
		t.Fatalf("unexpected guard space without secure mode")
	}

	// huge segments round up to the huge page alignment
	required := uintptr(largeSizeMax + 1)
	segSize, _, infoSize = segmentCalcSize(required)
	if segSize%pageHugeAlign != 0 {
		t.Fatalf("huge segment size %d not %d aligned", segSize, pageHugeAlign)
	}
	if segSize < required+infoSize {
		t.Fatalf("huge segment too small: %d for %d", segSize, required)
	}
}

func TestSegmentCalcSizeSecure(t *testing.T) {
	ProcessInit()
	old := OptionGet(OptionSecure)
	OptionSet(OptionSecure, 1)
	defer OptionSet(OptionSecure, old)

	segSize, preSize, infoSize := segmentCalcSize(0)
	if segSize != segmentSize {
		t.Fatalf("secure generic segment size %d", segSize)
	}
	if infoSize%physPageSize != 0 {
		t.Fatalf("secure info size %d not page aligned", infoSize)
	}
	if preSize-infoSize != physPageSize {
		t.Fatalf("secure guard page missing: pre %d info %d", preSize, infoSize)
	}
}

// TestSecureGuardLayout allocates under secure mode and verifies the
// guard accounting structurally: the metadata is page padded and the
// last page gives up one OS page at the segment end. An actual stray
// read would fault the process, which is the point.
func TestSecureGuardLayout(t *testing.T) {
	old := OptionGet(OptionSecure)
	OptionSet(OptionSecure, 1)
	defer OptionSet(OptionSecure, old)

	h := ThreadInit()
	if h == nil {
		t.Fatal("ThreadInit failed")
	}

	p := h.Malloc(32)
	if p == nil {
		t.Fatal("Malloc failed")
	}
	s := ptrSegment(p)
	if s.segmentInfoSize%physPageSize != 0 {
		t.Fatalf("secure segment info %d not page padded", s.segmentInfoSize)
	}
	last := &s.pages[s.capacity-1]
	pstart, psize := segmentPageStart(s, last, 32)
	end := uintptr(unsafe.Pointer(s)) + uintptr(last.segmentIdx+1)*smallPageSize
	if uintptr(pstart)+psize > end-physPageSize {
		t.Fatal("last page overlaps its guard page")
	}

	h.Free(p)
	h.Done()
}

// TestSegmentCacheRoundTrip frees a large allocation and expects its
// segment to be served back from the cache without a new mapping.
func TestSegmentCacheRoundTrip(t *testing.T) {
	h := ThreadInit()
	if h == nil {
		t.Fatal("ThreadInit failed")
	}
	defer h.Done()

	p := h.Malloc(100 << 10)
	if p == nil {
		t.Fatal("Malloc failed")
	}
	seg := ptrSegment(p)
	h.Free(p)
	if h.tld.segments.cacheCount != 1 {
		t.Fatalf("segment not cached after free: %d", h.tld.segments.cacheCount)
	}

	mmaps := snapshot(&h.tld.stats.mmapCalls).Allocated
	q := h.Malloc(100 << 10)
	if q == nil {
		t.Fatal("Malloc failed")
	}
	if ptrSegment(q) != seg {
		t.Fatal("cached segment not reused")
	}
	if got := snapshot(&h.tld.stats.mmapCalls).Allocated; got != mmaps {
		t.Fatalf("reuse went to the OS: %d extra mmap calls", got-mmaps)
	}
	h.Free(q)
}

// TestSegmentCacheCaps is the eviction scenario: however many
// segments retire, the cache respects both the count cap and the
// fraction of the peak in use.
func TestSegmentCacheCaps(t *testing.T) {
	h := ThreadInit()
	if h == nil {
		t.Fatal("ThreadInit failed")
	}
	defer h.Done()

	const n = 40 // 40 large segments, 160 MiB peak
	ptrs := make([]unsafe.Pointer, n)
	for i := range ptrs {
		ptrs[i] = h.Malloc(100 << 10)
		if ptrs[i] == nil {
			t.Fatal("Malloc failed")
		}
	}
	peak := h.tld.segments.peakSize
	if peak < n*segmentSize {
		t.Fatalf("peak %d below %d live segments", peak, n)
	}
	for _, p := range ptrs {
		h.Free(p)
	}
	tld := &h.tld.segments
	if tld.cacheCount > segmentCacheMax {
		t.Fatalf("cache count %d above cap", tld.cacheCount)
	}
	if tld.cacheSize > peak/segmentCacheFraction+segmentSize {
		t.Fatalf("cache size %d above peak fraction %d", tld.cacheSize, peak/segmentCacheFraction)
	}
	if tld.cacheCount == 0 {
		t.Fatal("nothing cached at all")
	}
	// teardown flushes the cache completely
	segmentThreadCollect(tld)
	if tld.cacheCount != 0 || tld.cacheSize != 0 {
		t.Fatalf("thread collect left %d segments (%d bytes)", tld.cacheCount, tld.cacheSize)
	}
}

// TestHugeSegment is the huge allocation scenario: one segment of
// exactly the rounded size, one page, released on free.
func TestHugeSegment(t *testing.T) {
	h := ThreadInit()
	if h == nil {
		t.Fatal("ThreadInit failed")
	}
	defer h.Done()

	size := uintptr(largeSizeMax + 1)
	p := h.Malloc(size)
	if p == nil {
		t.Fatal("huge Malloc failed")
	}
	s := ptrSegment(p)
	if s.pageKind != pageHuge || s.capacity != 1 {
		t.Fatalf("huge segment kind %d capacity %d", s.pageKind, s.capacity)
	}
	blockSize := alignUp(size, physPageSize)
	wantSize, _, _ := segmentCalcSize(blockSize)
	if s.segmentSize != wantSize {
		t.Fatalf("huge segment size %d, want %d", s.segmentSize, wantSize)
	}
	if s.segmentSize%pageHugeAlign != 0 {
		t.Fatalf("huge segment size %d not huge aligned", s.segmentSize)
	}
	pg := segmentPageOf(s, p)
	if pg != &s.pages[0] {
		t.Fatal("huge pointer recovered the wrong page")
	}
	if pg.blockSize < size {
		t.Fatalf("huge block size %d below request %d", pg.blockSize, size)
	}
	// the whole payload is writable
	b := unsafe.Slice((*byte)(p), size)
	b[0] = 1
	b[size-1] = 2

	before := snapshot(&h.tld.stats.segments).Current
	h.Free(p)
	h.Collect(true)
	if cur := snapshot(&h.tld.stats.segments).Current; cur >= before {
		t.Fatalf("huge segment not released: %d -> %d", before, cur)
	}
}

// TestSegmentQueueOps exercises the intrusive queue directly.
func TestSegmentQueueOps(t *testing.T) {
	var q segmentQueue
	segs := make([]segment, 3)
	a, b, c := &segs[0], &segs[1], &segs[2]

	segmentEnqueue(&q, a)
	segmentEnqueue(&q, b)
	if q.first != a || q.last != b {
		t.Fatal("enqueue order wrong")
	}
	segmentQueueInsertBefore(&q, b, c)
	if a.next != c || c.next != b || b.prev != c {
		t.Fatal("insert before broke links")
	}
	segmentQueueRemove(&q, c)
	if a.next != b || b.prev != a {
		t.Fatal("remove broke links")
	}
	segmentQueueRemove(&q, a)
	segmentQueueRemove(&q, b)
	if !segmentQueueIsEmpty(&q) {
		t.Fatal("queue not empty")
	}
}
