// Copyright 2019 The mimalloc-go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build unix

package mimalloc

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

func sysPageSize() uintptr {
	return uintptr(unix.Getpagesize())
}

// sysMmap maps anonymous private memory. Uncommitted mappings are
// reserved PROT_NONE so touching them faults until committed.
func sysMmap(size uintptr, huge, commit bool) unsafe.Pointer {
	prot := unix.PROT_NONE
	if commit {
		prot = unix.PROT_READ | unix.PROT_WRITE
	}
	flags := unix.MAP_PRIVATE | unix.MAP_ANON
	if huge {
		if mmapHugeFlags == 0 {
			return nil
		}
		flags |= mmapHugeFlags
	}
	p, err := unix.MmapPtr(-1, 0, nil, size, prot, flags)
	if err != nil {
		return nil
	}
	return p
}

func sysMunmap(p unsafe.Pointer, size uintptr) error {
	return unix.MunmapPtr(p, size)
}

func sysCommit(p unsafe.Pointer, size uintptr, commit bool) error {
	prot := unix.PROT_NONE
	if commit {
		prot = unix.PROT_READ | unix.PROT_WRITE
	}
	return unix.Mprotect(memSlice(p, size), prot)
}

func sysReset(p unsafe.Pointer, size uintptr) error {
	return unix.Madvise(memSlice(p, size), unix.MADV_DONTNEED)
}

func sysProtect(p unsafe.Pointer, size uintptr, protect bool) error {
	prot := unix.PROT_READ | unix.PROT_WRITE
	if protect {
		prot = unix.PROT_NONE
	}
	return unix.Mprotect(memSlice(p, size), prot)
}

func sysWriteErr(msg string) {
	unix.Write(2, unsafe.Slice(unsafe.StringData(msg), len(msg)))
	unix.Write(2, []byte{'\n'})
}

// memSlice aliases a raw range as a byte slice for the x/sys calls
// that take one. The slice never escapes the call.
func memSlice(p unsafe.Pointer, size uintptr) []byte {
	return unsafe.Slice((*byte)(p), size)
}
