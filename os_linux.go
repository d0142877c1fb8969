// Copyright 2019 The mimalloc-go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package mimalloc

import "golang.org/x/sys/unix"

const mmapHugeFlags = unix.MAP_HUGETLB
