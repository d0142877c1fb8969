// Copyright 2019 The mimalloc-go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// OS memory interface: reserve, commit, decommit, reset, protect and
// shrink of anonymous page-aligned mappings. This is the only
// boundary of the core; everything below it lives in os_unix.go.
//
// All sizes handed in here are multiples of the OS page size and all
// alignments are powers of two of at least one OS page.

package mimalloc

import "unsafe"

// physPageSize is the OS page size, set properly in osInit.
var physPageSize uintptr = 4096

// osAllocGranularity is the minimal allocation granularity.
var osAllocGranularity uintptr = 4096

// largeOSPageSize is nonzero when large OS page backing is enabled.
var largeOSPageSize uintptr

func osInit() {
	if sz := sysPageSize(); sz > 0 {
		physPageSize = sz
		osAllocGranularity = sz
	}
	if optionIsEnabled(OptionLargeOSPages) {
		largeOSPageSize = 2 << 20
	}
}

func useLargeOSPage(size, align uintptr) bool {
	if largeOSPageSize == 0 {
		return false
	}
	return size%largeOSPageSize == 0 && align%largeOSPageSize == 0
}

// osGoodAllocSize rounds a size up to the allocation granularity.
func osGoodAllocSize(size uintptr) uintptr {
	if size >= ^uintptr(0)-osAllocGranularity {
		return size // possible overflow
	}
	return alignUp(size, osAllocGranularity)
}

// osMemAlloc is the primitive allocation from the OS. The alignment
// is only a hint here; osMemAllocAligned makes it a guarantee.
func osMemAlloc(size, tryAlign uintptr, commit bool, stats *stats) unsafe.Pointer {
	if size == 0 {
		return nil
	}
	if debugMode && size%physPageSize != 0 {
		throw("osMemAlloc: unaligned size")
	}
	var p unsafe.Pointer
	if useLargeOSPage(size, tryAlign) {
		p = sysMmap(size, true, commit)
		// fall through to regular pages when exhausted or denied
	}
	if p == nil {
		p = sysMmap(size, false, commit)
	}
	statIncrease(&stats.mmapCalls, 1)
	if p != nil {
		statIncrease(&stats.reserved, int64(size))
		if commit {
			statIncrease(&stats.committed, int64(size))
		}
	}
	return p
}

func osMemFree(p unsafe.Pointer, size uintptr, stats *stats) bool {
	if p == nil || size == 0 {
		return true
	}
	err := sysMunmap(p, size)
	statDecrease(&stats.committed, int64(size))
	statDecrease(&stats.reserved, int64(size))
	if err != nil {
		warn("munmap failed")
		return false
	}
	return true
}

// osMemAllocAligned guarantees the returned pointer satisfies align.
// When the plain mapping is not aligned it overallocates and unmaps
// the slack on both sides; the mid part is kept. Nothing is retained
// on failure.
func osMemAllocAligned(size, align uintptr, commit bool, stats *stats) unsafe.Pointer {
	if align < physPageSize || align&(align-1) != 0 {
		return nil
	}
	size = alignUp(size, physPageSize)

	p := osMemAlloc(size, align, commit, stats)
	if p == nil {
		return nil
	}
	if uintptr(p)%align == 0 {
		return p
	}

	// not aligned: free, overallocate, and unmap around the slack
	osMemFree(p, size, stats)
	if size >= ^uintptr(0)-align {
		return nil // overflow
	}
	overSize := size + align
	p = osMemAlloc(overSize, align, commit, stats)
	if p == nil {
		return nil
	}
	aligned := alignUpPtr(p, align)
	preSize := uintptr(aligned) - uintptr(p)
	midSize := alignUp(size, physPageSize)
	postSize := overSize - preSize - midSize
	if preSize > 0 {
		osMemFree(p, preSize, stats)
	}
	if postSize > 0 {
		osMemFree(unsafe.Pointer(uintptr(aligned)+midSize), postSize, stats)
	}
	if debugMode && uintptr(aligned)%align != 0 {
		throw("osMemAllocAligned: bad alignment")
	}
	return aligned
}

// osAlloc allocates a committed, page-aligned region.
func osAlloc(size uintptr, stats *stats) unsafe.Pointer {
	if size == 0 {
		return nil
	}
	return osMemAlloc(osGoodAllocSize(size), 0, true, stats)
}

func osFree(p unsafe.Pointer, size uintptr, stats *stats) {
	if p == nil || size == 0 {
		return
	}
	osMemFree(p, osGoodAllocSize(size), stats)
}

func osAllocAligned(size, align uintptr, commit bool, tld *osTld) unsafe.Pointer {
	if size == 0 {
		return nil
	}
	size = osGoodAllocSize(size)
	align = alignUp(align, physPageSize)
	return osMemAllocAligned(size, align, commit, tld.stats)
}

// osPageAlignAreax page aligns a range, conservative (only pages
// fully inside the range) or liberal (straddling pages included).
func osPageAlignAreax(conservative bool, addr unsafe.Pointer, size uintptr) (unsafe.Pointer, uintptr) {
	if addr == nil || size == 0 {
		return nil, 0
	}
	var start, end uintptr
	if conservative {
		start = alignUp(uintptr(addr), physPageSize)
		end = alignDown(uintptr(addr)+size, physPageSize)
	} else {
		start = alignDown(uintptr(addr), physPageSize)
		end = alignUp(uintptr(addr)+size, physPageSize)
	}
	if end <= start {
		return nil, 0
	}
	return unsafe.Pointer(start), end - start
}

func osPageAlignAreaConservative(addr unsafe.Pointer, size uintptr) (unsafe.Pointer, uintptr) {
	return osPageAlignAreax(true, addr, size)
}

// osCommit commits a range (liberal page rounding), osDecommit
// removes the backing (conservative rounding). On unix these map to
// mprotect flips; the virtual reservation stays put either way.
func osCommitx(addr unsafe.Pointer, size uintptr, commit bool, stats *stats) bool {
	start, csize := osPageAlignAreax(!commit, addr, size)
	if csize == 0 {
		return true
	}
	if commit {
		statIncrease(&stats.committed, int64(csize))
		statIncrease(&stats.commitCalls, 1)
	} else {
		statDecrease(&stats.committed, int64(csize))
	}
	if err := sysCommit(start, csize, commit); err != nil {
		warn("commit/decommit failed")
		return false
	}
	return true
}

func osCommit(addr unsafe.Pointer, size uintptr, stats *stats) bool {
	return osCommitx(addr, size, true, stats)
}

func osDecommit(addr unsafe.Pointer, size uintptr, stats *stats) bool {
	return osCommitx(addr, size, false, stats)
}

// osReset signals that a range is unused for now: the physical pages
// can be released while the virtual range stays reserved and
// committed. Rounded conservatively inside the range.
func osReset(addr unsafe.Pointer, size uintptr, stats *stats) bool {
	if optionIsEnabled(OptionResetDecommits) {
		return osDecommit(addr, size, stats)
	}
	start, csize := osPageAlignAreaConservative(addr, size)
	if csize == 0 {
		return true
	}
	if err := sysReset(start, csize); err != nil {
		warn("madvise reset failed")
		return false
	}
	return true
}

// osUnreset makes reset memory usable again. With madvise semantics
// the first touch does that already; with OptionResetDecommits the
// range has to be recommitted.
func osUnreset(addr unsafe.Pointer, size uintptr, stats *stats) bool {
	if optionIsEnabled(OptionResetDecommits) {
		return osCommit(addr, size, stats)
	}
	return true
}

func osProtectx(addr unsafe.Pointer, size uintptr, protect bool) bool {
	start, csize := osPageAlignAreaConservative(addr, size)
	if csize == 0 {
		return false
	}
	if err := sysProtect(start, csize, protect); err != nil {
		warn("mprotect failed")
		return false
	}
	return true
}

func osProtect(addr unsafe.Pointer, size uintptr) bool {
	return osProtectx(addr, size, true)
}

func osUnprotect(addr unsafe.Pointer, size uintptr) bool {
	return osProtectx(addr, size, false)
}

// osShrink unmaps the tail of a mapping in place. Both sizes must be
// page aligned for a precise shrink.
func osShrink(p unsafe.Pointer, oldSize, newSize uintptr, stats *stats) bool {
	if p == nil || oldSize < newSize {
		return false
	}
	if oldSize == newSize {
		return true
	}
	addr := unsafe.Pointer(uintptr(p) + newSize)
	start, size := osPageAlignAreaConservative(addr, oldSize-newSize)
	if size == 0 || start != addr {
		return false
	}
	return osMemFree(start, size, stats)
}
