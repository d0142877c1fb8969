// Copyright 2019 The mimalloc-go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Process and thread lifecycle.
//
// The main heap and its tld are statically allocated so the very
// first allocation can be serviced without the allocator allocating
// for itself. Every other thread attachment gets a threadData block
// straight from the OS; Done returns it there wholesale.

package mimalloc

import (
	"sync"
	"sync/atomic"
	"unsafe"
)

// pageEmpty is the sentinel for the direct page table: free is nil,
// so the fast path falls through to the generic path.
var pageEmpty page

// heapEmpty marks a heap slot as not initialized.
var heapEmpty Heap

var (
	heapMain  Heap
	tldMain   tld
	statsMain stats
)

var processOnce sync.Once

// threadIDs mints the thread-id primitive: a fresh nonzero id per
// attachment. The id names the attachment, not a kernel thread; the
// binding layer can map attachments onto OS threads however it likes
// as long as a heap stays with one thread of execution.
var threadIDs uint64

func nextThreadID() uintptr {
	return uintptr(atomic.AddUint64(&threadIDs, 1))
}

// ptrCookie obfuscates an address with the main heap cookie;
// segments store it for debug validation.
func ptrCookie(p unsafe.Pointer) uintptr {
	return uintptr(p) ^ heapMain.cookie
}

/* ----------------------------------------------------------------
   Random cookies
---------------------------------------------------------------- */

// randomShuffle is an xorshift step; good enough for cookies, not
// for cryptography.
func randomShuffle(x uintptr) uintptr {
	if x == 0 {
		x = 0x9e3779b97f4a7c15
	}
	x ^= x << 13
	x ^= x >> 7
	x ^= x << 17
	return x
}

var randomState uint64 = 0x853c49e6748fea9b

func randomInit(seed uintptr) uintptr {
	x := uintptr(atomic.AddUint64(&randomState, 0x9e3779b97f4a7c15)) ^ seed
	for i := 0; i < 4; i++ {
		x = randomShuffle(x)
	}
	return x
}

/* ----------------------------------------------------------------
   Heap initialization
---------------------------------------------------------------- */

// heapInitFields prepares the queues and the direct table of a heap.
func heapInitFields(h *Heap, t *tld, threadID uintptr) {
	h.tld = t
	h.threadID = threadID
	h.random = randomInit(threadID)
	h.cookie = (uintptr(unsafe.Pointer(h)) ^ randomShuffle(h.random)) | 1
	for i := range h.pages {
		h.pages[i].blockSize = binBlockSize(i)
	}
	h.pages[binFull].blockSize = (largeWsizeMax + 2) * ptrSize
	for i := range h.pagesFreeDirect {
		h.pagesFreeDirect[i] = &pageEmpty
	}
	t.heapBacking = h
	t.segments.threadID = threadID
	t.segments.stats = &t.stats
	t.os.stats = &t.stats
}

// ThreadInit attaches the caller as a new thread of execution and
// returns its heap. The heap must stay on the thread that created
// it; call Done when the thread is finished so live segments can be
// abandoned for others. Returns nil when the OS is out of memory.
func ThreadInit() *Heap {
	processInit()
	td := (*threadData)(osAlloc(unsafe.Sizeof(threadData{}), &statsMain))
	if td == nil {
		warn("failed to allocate thread local heap memory")
		return nil
	}
	memclr(unsafe.Pointer(td), unsafe.Sizeof(threadData{}))
	heapInitFields(&td.heap, &td.tld, nextThreadID())
	statIncrease(&td.tld.stats.threads, 1)
	verboseMessage("thread init")
	return &td.heap
}

// Done detaches a heap created by ThreadInit: pending frees are
// drained, empty segments are released or cached, pages with live
// blocks are abandoned, the cache is flushed and the stats merged.
// The main heap cannot be detached; Done on it only collects.
func (h *Heap) Done() {
	if !heapIsInitialized(h) {
		return
	}
	backing := h.tld.heapBacking
	if !heapIsInitialized(backing) {
		return
	}
	if backing == &heapMain {
		backing.Collect(true)
		return
	}
	statDecrease(&backing.tld.stats.threads, 1)
	heapCollectAbandon(backing)
	statsDone(&backing.tld.stats)
	verboseMessage("thread done")

	// the heap and tld live in one OS block, release it wholesale
	td := (*threadData)(unsafe.Pointer(backing))
	osFree(unsafe.Pointer(td), unsafe.Sizeof(threadData{}), &statsMain)
}

/* ----------------------------------------------------------------
   Process lifecycle
---------------------------------------------------------------- */

// processInit runs once, before any allocation is served. The main
// heap is claimed by whichever thread gets here first, matching the
// original's process bootstrap on the main thread.
func processInit() {
	processOnce.Do(func() {
		osInit()
		initSizes()
		heapInitFields(&heapMain, &tldMain, nextThreadID())
		statIncrease(&tldMain.stats.threads, 1)
		verboseMessage("process init")
	})
}

// ProcessInit makes initialization explicit for binding layers that
// need the ordering guarantee up front; it is otherwise implied by
// the first allocation.
func ProcessInit() { processInit() }

var processDone uint32

// ProcessDone tears the allocator down: abandoned segments are
// drained, the main heap collected, and statistics printed when
// configured. Safe to call once at process exit; allocations after
// it are undefined.
func ProcessDone() {
	if !processInitialized() || !atomic.CompareAndSwapUint32(&processDone, 0, 1) {
		return
	}
	heapMain.Collect(true)
	heapDestroyPages(&heapMain)
	statsDone(&tldMain.stats)
	if optionIsEnabled(OptionShowStats) || optionIsEnabled(OptionVerbose) {
		printStats()
	}
	verboseMessage("process done")
}

func processInitialized() bool {
	return heapMain.threadID != 0
}

func defaultHeap() *Heap {
	processInit()
	return &heapMain
}

func printStats() {
	s := ReadStats()
	messageSink("mimalloc: stats:")
	printStat("segments", s.Segments)
	printStat("pages   ", s.Pages)
	printStat("reserved", s.Reserved)
	printStat("committed", s.Committed)
	printStat("malloc  ", s.Malloc)
	printStat("threads ", s.Threads)
}

func printStat(name string, c StatCount) {
	// small fixed buffer, no fmt: the sink must stay allocation free
	var buf [128]byte
	b := append(buf[:0], "mimalloc:  "...)
	b = append(b, name...)
	b = append(b, " current "...)
	b = appendInt(b, c.Current)
	b = append(b, " peak "...)
	b = appendInt(b, c.Peak)
	b = append(b, " allocated "...)
	b = appendInt(b, c.Allocated)
	b = append(b, " freed "...)
	b = appendInt(b, c.Freed)
	messageSink(string(b))
}

func appendInt(b []byte, v int64) []byte {
	if v < 0 {
		b = append(b, '-')
		v = -v
	}
	var tmp [20]byte
	i := len(tmp)
	for {
		i--
		tmp[i] = byte('0' + v%10)
		v /= 10
		if v == 0 {
			break
		}
	}
	return append(b, tmp[i:]...)
}
