// Copyright 2019 The mimalloc-go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package mimalloc

import "sync/atomic"

// Statistics are kept per thread in the tld and merged into the
// process stats when a thread ends. Updates are relaxed atomic adds;
// the peak is maintained with a CAS so concurrent updates from the
// cross-thread free path stay consistent enough for reporting.

type statCount struct {
	allocated int64
	freed     int64
	peak      int64
	current   int64
}

type statCounter struct {
	total int64
	count int64
}

type stats struct {
	segments          statCount
	pages             statCount
	reserved          statCount
	committed         statCount
	reset             statCount
	pageCommitted     statCount
	segmentsAbandoned statCount
	pagesAbandoned    statCount
	pagesExtended     statCount
	mmapCalls         statCount
	commitCalls       statCount
	threads           statCount
	huge              statCount
	malloc            statCount
	searches          statCounter
}

func statUpdate(stat *statCount, amount int64) {
	if amount == 0 {
		return
	}
	current := atomic.AddInt64(&stat.current, amount)
	for {
		peak := atomic.LoadInt64(&stat.peak)
		if current <= peak || atomic.CompareAndSwapInt64(&stat.peak, peak, current) {
			break
		}
	}
	if amount > 0 {
		atomic.AddInt64(&stat.allocated, amount)
	} else {
		atomic.AddInt64(&stat.freed, -amount)
	}
}

func statIncrease(stat *statCount, amount int64) { statUpdate(stat, amount) }
func statDecrease(stat *statCount, amount int64) { statUpdate(stat, -amount) }

func statCounterIncrease(stat *statCounter, amount int64) {
	atomic.AddInt64(&stat.count, 1)
	atomic.AddInt64(&stat.total, amount)
}

func (s *statCount) mergeTo(dst *statCount) {
	cur := atomic.LoadInt64(&s.current)
	if c := atomic.AddInt64(&dst.current, cur); c > atomic.LoadInt64(&dst.peak) {
		atomic.StoreInt64(&dst.peak, c)
	}
	atomic.AddInt64(&dst.allocated, atomic.LoadInt64(&s.allocated))
	atomic.AddInt64(&dst.freed, atomic.LoadInt64(&s.freed))
}

// statsDone merges a terminating thread's stats into the process
// stats so totals survive the tld.
func statsDone(s *stats) {
	if s == &statsMain {
		return
	}
	s.segments.mergeTo(&statsMain.segments)
	s.pages.mergeTo(&statsMain.pages)
	s.reserved.mergeTo(&statsMain.reserved)
	s.committed.mergeTo(&statsMain.committed)
	s.reset.mergeTo(&statsMain.reset)
	s.pageCommitted.mergeTo(&statsMain.pageCommitted)
	s.segmentsAbandoned.mergeTo(&statsMain.segmentsAbandoned)
	s.pagesAbandoned.mergeTo(&statsMain.pagesAbandoned)
	s.pagesExtended.mergeTo(&statsMain.pagesExtended)
	s.mmapCalls.mergeTo(&statsMain.mmapCalls)
	s.commitCalls.mergeTo(&statsMain.commitCalls)
	s.threads.mergeTo(&statsMain.threads)
	s.huge.mergeTo(&statsMain.huge)
	s.malloc.mergeTo(&statsMain.malloc)
	atomic.AddInt64(&statsMain.searches.count, atomic.LoadInt64(&s.searches.count))
	atomic.AddInt64(&statsMain.searches.total, atomic.LoadInt64(&s.searches.total))
}

// StatCount is the exported snapshot of one counter.
type StatCount struct {
	Allocated int64
	Freed     int64
	Peak      int64
	Current   int64
}

// Stats is a point-in-time snapshot of the process statistics.
type Stats struct {
	Segments  StatCount
	Pages     StatCount
	Reserved  StatCount
	Committed StatCount
	Reset     StatCount
	Threads   StatCount
	Huge      StatCount
	Malloc    StatCount
}

func snapshot(c *statCount) StatCount {
	return StatCount{
		Allocated: atomic.LoadInt64(&c.allocated),
		Freed:     atomic.LoadInt64(&c.freed),
		Peak:      atomic.LoadInt64(&c.peak),
		Current:   atomic.LoadInt64(&c.current),
	}
}

// ReadStats returns the process-wide statistics. Live threads carry
// their own deltas until Done, so the snapshot lags per-thread state.
func ReadStats() Stats {
	return Stats{
		Segments:  snapshot(&statsMain.segments),
		Pages:     snapshot(&statsMain.pages),
		Reserved:  snapshot(&statsMain.reserved),
		Committed: snapshot(&statsMain.committed),
		Reset:     snapshot(&statsMain.reset),
		Threads:   snapshot(&statsMain.threads),
		Huge:      snapshot(&statsMain.huge),
		Malloc:    snapshot(&statsMain.malloc),
	}
}
