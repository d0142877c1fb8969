// Copyright 2019 The mimalloc-go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package mimalloc

import (
	"testing"
	"unsafe"
)

func TestBinTableConsistency(t *testing.T) {
	// every size maps into a bin that can hold it
	for w := uintptr(1); w <= largeWsizeMax; w++ {
		b := binForWsize(w)
		if b < 1 || b > binHuge {
			t.Fatalf("wsize %d: bin %d out of range", w, b)
		}
		if got := binBlockWsize(b); got < w {
			t.Fatalf("wsize %d: bin %d holds only %d words", w, b, got)
		}
	}
	// bins are monotone in block size
	for b := 2; b <= binHuge; b++ {
		if binBlockWsize(b) < binBlockWsize(b-1) {
			t.Fatalf("bin %d smaller than bin %d", b, b-1)
		}
	}
	// and a bin is a fixpoint of its own block size (the odd word
	// classes below 8 alias into their even neighbour and are never
	// selected)
	for b := 1; b <= binHuge; b++ {
		if b > 2 && b < 8 && b%2 == 1 {
			continue
		}
		w := binBlockWsize(b)
		got := binForWsize(w)
		if got != b && !(w > largeWsizeMax && got == binHuge) {
			t.Fatalf("bin %d: block wsize %d maps to bin %d", b, w, got)
		}
	}
}

func TestBinWaste(t *testing.T) {
	// rounding a request up to its class wastes at most 25% plus the
	// double word rounding of the smallest sizes
	for w := uintptr(2); w <= largeWsizeMax; w++ {
		size := binBlockWsize(binForWsize(w))
		if size > w+w/4+1 {
			t.Fatalf("wsize %d rounds to %d, too much waste", w, size)
		}
	}
}

func TestBinAlignment(t *testing.T) {
	// all classes above one word hand out blocks in strides of
	// maxAlignSize, the basis of the alignment guarantee
	for b := 2; b <= binHuge; b++ {
		if binBlockSize(b)%maxAlignSize != 0 {
			t.Fatalf("bin %d: block size %d not %d aligned", b, binBlockSize(b), maxAlignSize)
		}
	}
}

func TestWsizeFromSize(t *testing.T) {
	tests := []struct {
		size, wsize uintptr
	}{
		{0, 0}, {1, 1}, {ptrSize, 1}, {ptrSize + 1, 2},
		{smallSizeMax, smallWsizeMax},
	}
	for _, tt := range tests {
		if got := wsizeFromSize(tt.size); got != tt.wsize {
			t.Errorf("wsizeFromSize(%d) = %d, want %d", tt.size, got, tt.wsize)
		}
	}
}

func TestMulNoOverflow(t *testing.T) {
	// the screen value is sqrt of the address space: half the word
	// width in bits, not in bytes
	if unsafe.Sizeof(uintptr(0)) == 8 && mulNoOverflow != 1<<32 {
		t.Fatalf("mulNoOverflow = %d, want 1<<32", uintptr(mulNoOverflow))
	}
	if _, overflow := mulOverflow(2, ^uintptr(0)/2+1); !overflow {
		t.Error("expected overflow")
	}
	if total, overflow := mulOverflow(10, 24); overflow || total != 240 {
		t.Errorf("mulOverflow(10, 24) = %d, %v", total, overflow)
	}
}
