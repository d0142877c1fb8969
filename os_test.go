// Copyright 2019 The mimalloc-go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build unix

package mimalloc

import (
	"testing"
	"unsafe"
)

func TestOSGoodAllocSize(t *testing.T) {
	ProcessInit()
	if got := osGoodAllocSize(1); got != osAllocGranularity {
		t.Errorf("osGoodAllocSize(1) = %d, want %d", got, osAllocGranularity)
	}
	if got := osGoodAllocSize(osAllocGranularity); got != osAllocGranularity {
		t.Errorf("osGoodAllocSize(gran) = %d", got)
	}
	huge := ^uintptr(0) - 1
	if got := osGoodAllocSize(huge); got != huge {
		t.Errorf("osGoodAllocSize near overflow changed the size")
	}
}

func TestOSAllocAligned(t *testing.T) {
	ProcessInit()
	var st stats
	p := osMemAllocAligned(1<<20, segmentSize, true, &st)
	if p == nil {
		t.Fatal("osMemAllocAligned failed")
	}
	if uintptr(p)%segmentSize != 0 {
		t.Fatalf("pointer %#x not segment aligned", uintptr(p))
	}
	// the mapping is committed and writable
	b := (*[1 << 20]byte)(p)
	b[0] = 0xaa
	b[len(b)-1] = 0x55
	if !osMemFree(p, 1<<20, &st) {
		t.Fatal("osMemFree failed")
	}
	if cur := snapshot(&st.reserved).Current; cur != 0 {
		t.Errorf("reserved not balanced: %d", cur)
	}
}

func TestOSAllocAlignedRejectsBadAlign(t *testing.T) {
	ProcessInit()
	var st stats
	if p := osMemAllocAligned(1<<20, 3<<12, true, &st); p != nil {
		t.Fatal("accepted non power of two alignment")
	}
	if p := osMemAllocAligned(1<<20, 1, true, &st); p != nil {
		t.Fatal("accepted sub page alignment")
	}
}

func TestOSShrink(t *testing.T) {
	ProcessInit()
	var st stats
	size := uintptr(8 << 20)
	p := osMemAllocAligned(size, segmentSize, true, &st)
	if p == nil {
		t.Fatal("alloc failed")
	}
	if !osShrink(p, size, size/2, &st) {
		t.Fatal("osShrink failed")
	}
	// the head half is still usable
	(*[4 << 20]byte)(p)[0] = 1
	if !osMemFree(p, size/2, &st) {
		t.Fatal("free after shrink failed")
	}
	if osShrink(nil, 8, 4, &st) {
		t.Error("osShrink accepted nil")
	}
	if osShrink(p, 4, 8, &st) {
		t.Error("osShrink grew a mapping")
	}
}

func TestOSCommitDecommit(t *testing.T) {
	ProcessInit()
	var st stats
	p := osAlloc(physPageSize*4, &st)
	if p == nil {
		t.Fatal("alloc failed")
	}
	if !osDecommit(p, physPageSize*2, &st) {
		t.Fatal("decommit failed")
	}
	if !osCommit(p, physPageSize*2, &st) {
		t.Fatal("commit failed")
	}
	(*[1]byte)(p)[0] = 1
	osFree(p, physPageSize*4, &st)
}

func TestOSReset(t *testing.T) {
	ProcessInit()
	var st stats
	p := osAlloc(physPageSize*8, &st)
	if p == nil {
		t.Fatal("alloc failed")
	}
	b := (*[1 << 15]byte)(p)
	b[0] = 0xff
	if !osReset(p, physPageSize*8, &st) {
		t.Fatal("osReset failed")
	}
	// still mapped and committed, first touch refaults
	b[0] = 1
	osFree(p, physPageSize*8, &st)
}

func TestOSProtect(t *testing.T) {
	ProcessInit()
	var st stats
	p := osAlloc(physPageSize*2, &st)
	if p == nil {
		t.Fatal("alloc failed")
	}
	if !osProtect(p, physPageSize) {
		t.Fatal("protect failed")
	}
	if !osUnprotect(p, physPageSize) {
		t.Fatal("unprotect failed")
	}
	(*[1]byte)(p)[0] = 1
	osFree(p, physPageSize*2, &st)
}

func TestPageAlignArea(t *testing.T) {
	base := unsafe.Pointer(uintptr(1) << 30)
	start, size := osPageAlignAreax(true, unsafe.Pointer(uintptr(base)+1), physPageSize*2)
	if uintptr(start)%physPageSize != 0 || size != physPageSize {
		t.Errorf("conservative align: start %#x size %d", uintptr(start), size)
	}
	start, size = osPageAlignAreax(false, unsafe.Pointer(uintptr(base)+1), physPageSize*2)
	if uintptr(start) != uintptr(base) || size != physPageSize*3 {
		t.Errorf("liberal align: start %#x size %d", uintptr(start), size)
	}
	if _, size := osPageAlignAreaConservative(base, physPageSize/2); size != 0 {
		t.Errorf("sub page conservative range should vanish, got %d", size)
	}
}
