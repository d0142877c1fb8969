// Copyright 2019 The mimalloc-go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build !linux

package mimalloc

// No explicit huge page mapping flag outside linux; large OS page
// requests fall back to the regular path.
const mmapHugeFlags = 0
