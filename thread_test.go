// Copyright 2019 The mimalloc-go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build unix

package mimalloc

import (
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"unsafe"
)

// TestCrossThreadFree: thread A allocates, hands the blocks to B,
// and B frees them. The frees land on the page's thread free list
// with the default tag; A's next allocations drain and reuse them
// without going back to the OS.
func TestCrossThreadFree(t *testing.T) {
	hA := ThreadInit()
	if hA == nil {
		t.Fatal("ThreadInit failed")
	}
	defer hA.Done()

	const n = 1000
	ptrs := make([]unsafe.Pointer, n)
	for i := range ptrs {
		ptrs[i] = hA.Malloc(48)
		if ptrs[i] == nil {
			t.Fatal("Malloc failed")
		}
	}
	pg := ptrPage(ptrs[0])

	done := make(chan struct{})
	go func() {
		defer close(done)
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
		hB := ThreadInit()
		if hB == nil {
			t.Error("ThreadInit failed in freeing thread")
			return
		}
		defer hB.Done()
		for _, p := range ptrs {
			hB.Free(p)
		}
	}()
	<-done

	if tfTag(pg.threadFree.load()) != noDelayedFree {
		t.Fatal("cross-thread frees changed the delayed tag")
	}
	if got := atomic.LoadUint64(&pg.threadFreed); got == 0 {
		t.Fatal("no frees recorded on the thread free list")
	}

	// reallocation drains the list instead of mapping new memory
	mmaps := snapshot(&hA.tld.stats.mmapCalls).Allocated
	again := make([]unsafe.Pointer, n)
	for i := range again {
		again[i] = hA.Malloc(48)
		if again[i] == nil {
			t.Fatal("Malloc failed on reuse")
		}
	}
	if got := snapshot(&hA.tld.stats.mmapCalls).Allocated; got != mmaps {
		t.Fatalf("reuse mapped new memory: %d extra calls", got-mmaps)
	}
	for _, p := range again {
		hA.Free(p)
	}
}

// TestAbandonReclaim: a thread exits with a live block; its segment
// lands on the abandoned stack and a running thread adopts it, frees
// the block, and ends up with the segment in its cache.
func TestAbandonReclaim(t *testing.T) {
	var p unsafe.Pointer
	done := make(chan struct{})
	go func() {
		defer close(done)
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
		hA := ThreadInit()
		if hA == nil {
			t.Error("ThreadInit failed")
			return
		}
		p = hA.Malloc(24)
		hA.Done() // exits without freeing p
	}()
	<-done
	if p == nil {
		t.Fatal("allocation failed")
	}

	s := ptrSegment(p)
	if s.threadID != 0 {
		t.Fatal("abandoned segment still owned")
	}
	if atomic.LoadUint64(&abandonedCount) == 0 {
		t.Fatal("abandoned stack is empty")
	}

	hB := ThreadInit()
	if hB == nil {
		t.Fatal("ThreadInit failed")
	}
	defer hB.Done()

	if !segmentTryReclaimAbandoned(hB, true, &hB.tld.segments) {
		t.Fatal("nothing reclaimed")
	}
	if s.threadID != hB.threadID {
		t.Fatal("segment not owned by the reclaiming heap")
	}
	pg := segmentPageOf(s, p)
	if pg.heap != hB {
		t.Fatal("page not adopted into the reclaiming heap")
	}

	// the adopted block frees on the local path now
	hB.Free(p)
	hB.Collect(false)
	if h := hB.tld.segments.cacheCount; h != 1 {
		t.Fatalf("reclaimed segment not cached after free: %d", h)
	}
}

// TestAbandonedFullyFreed: when every block of an abandoned page was
// freed remotely before reclaim, the reclaimer just releases it.
func TestAbandonedFullyFreed(t *testing.T) {
	var p unsafe.Pointer
	done := make(chan struct{})
	go func() {
		defer close(done)
		hA := ThreadInit()
		if hA == nil {
			t.Error("ThreadInit failed")
			return
		}
		p = hA.Malloc(64)
		hA.Done()
	}()
	<-done
	if p == nil {
		t.Fatal("allocation failed")
	}

	hB := ThreadInit()
	if hB == nil {
		t.Fatal("ThreadInit failed")
	}
	defer hB.Done()
	hB.Free(p) // cross-thread free into the abandoned page

	s := ptrSegment(p)
	pg := segmentPageOf(s, p)
	segmentTryReclaimAbandoned(hB, true, &hB.tld.segments)
	// the page was fully free: cleared on reclaim, not adopted. The
	// empty segment went to the cache, so its header is still live.
	if pg.segmentInUse || s.used != 0 {
		t.Fatal("fully freed page was adopted instead of cleared")
	}
	if hB.tld.segments.cacheCount == 0 {
		t.Fatal("emptied segment not cached")
	}
}

// TestConcurrentChurn hammers one producer heap from several freeing
// threads and expects all counts to settle.
func TestConcurrentChurn(t *testing.T) {
	hA := ThreadInit()
	if hA == nil {
		t.Fatal("ThreadInit failed")
	}
	defer hA.Done()

	const (
		workers = 4
		rounds  = 50
		batch   = 64
	)
	for round := 0; round < rounds; round++ {
		var wg sync.WaitGroup
		chans := make([]chan unsafe.Pointer, workers)
		for w := 0; w < workers; w++ {
			chans[w] = make(chan unsafe.Pointer, batch)
			wg.Add(1)
			go func(c chan unsafe.Pointer) {
				defer wg.Done()
				h := ThreadInit()
				if h == nil {
					t.Error("ThreadInit failed")
					return
				}
				defer h.Done()
				for p := range c {
					h.Free(p)
				}
			}(chans[w])
		}
		for i := 0; i < workers*batch; i++ {
			p := hA.Malloc(uintptr(16 + (i%13)*16))
			if p == nil {
				t.Fatal("Malloc failed")
			}
			chans[i%workers] <- p
		}
		for _, c := range chans {
			close(c)
		}
		wg.Wait()
	}
	hA.Collect(true)

	m := snapshot(&hA.tld.stats.malloc)
	// frees landed on other heaps' stats; globally the page counts
	// still settle to zero once everything is drained
	if cur := snapshot(&hA.tld.stats.pages).Current; cur != 0 {
		t.Fatalf("pages still live after churn: %d (malloc %+v)", cur, m)
	}
	if cur := snapshot(&hA.tld.stats.segments).Current; cur != 0 {
		t.Fatalf("segments still live after churn: %d", cur)
	}
}
