// Copyright 2019 The mimalloc-go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build !unix

package mimalloc

import (
	"os"
	"unsafe"
)

// Stub system layer so the package builds on platforms without the
// unix memory calls. Every allocation reports out of memory.

func sysPageSize() uintptr { return uintptr(os.Getpagesize()) }

func sysMmap(size uintptr, huge, commit bool) unsafe.Pointer { return nil }

func sysMunmap(p unsafe.Pointer, size uintptr) error { return nil }

func sysCommit(p unsafe.Pointer, size uintptr, commit bool) error { return nil }

func sysReset(p unsafe.Pointer, size uintptr) error { return nil }

func sysProtect(p unsafe.Pointer, size uintptr, protect bool) error { return nil }

func sysWriteErr(msg string) {
	os.Stderr.WriteString(msg)
	os.Stderr.WriteString("\n")
}
