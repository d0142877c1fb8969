// Copyright 2019 The mimalloc-go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package mimalloc

import "sync/atomic"

// Options are a closed set of integer tunables. Parsing (environment,
// flags) belongs to the binding layer; the core only reads them. They
// are read where they are used, not cached, so a change made while an
// operation runs can be seen by part of it only.

// Option identifies a tunable.
type Option int

const (
	// OptionSecure inserts guard pages and obfuscates free list
	// links: 1 guards the segment metadata and the segment end,
	// values above 1 guard every page.
	OptionSecure Option = iota
	// OptionLargeOSPages backs mappings with huge OS pages when the
	// size and alignment allow it.
	OptionLargeOSPages
	// OptionPageReset returns the physical memory of a page to the OS
	// when the page is emptied.
	OptionPageReset
	// OptionCacheReset resets segment memory when a segment enters
	// the thread cache.
	OptionCacheReset
	// OptionResetDecommits makes reset decommit instead of madvise,
	// so reset memory must be recommitted before reuse.
	OptionResetDecommits
	// OptionShowStats prints statistics at process teardown.
	OptionShowStats
	// OptionVerbose enables diagnostic messages.
	OptionVerbose

	optionMax
)

var optionValues [optionMax]int64

// OptionSet sets an option. Call before the allocator is exercised;
// the new value applies from the next read of the option onwards.
func OptionSet(opt Option, value int64) {
	if opt < 0 || opt >= optionMax {
		return
	}
	atomic.StoreInt64(&optionValues[opt], value)
}

// OptionGet returns the current value of an option.
func OptionGet(opt Option) int64 {
	if opt < 0 || opt >= optionMax {
		return 0
	}
	return atomic.LoadInt64(&optionValues[opt])
}

// OptionIsEnabled reports whether an option is nonzero.
func OptionIsEnabled(opt Option) bool {
	return OptionGet(opt) != 0
}

func optionIsEnabled(opt Option) bool { return OptionIsEnabled(opt) }
func optionGet(opt Option) int64      { return OptionGet(opt) }

// Diagnostics sink. The default writes straight to stderr without
// allocating: the allocator cannot go through a logger that mallocs.
var messageSink func(msg string) = stderrMessage

// SetMessageSink redirects warning and verbose output, for the
// binding layer. A nil sink restores the default.
func SetMessageSink(sink func(msg string)) {
	if sink == nil {
		sink = stderrMessage
	}
	messageSink = sink
}

func stderrMessage(msg string) {
	sysWriteErr(msg)
}

func warn(msg string) {
	messageSink("mimalloc: warning: " + msg)
}

func verboseMessage(msg string) {
	if optionIsEnabled(OptionVerbose) {
		messageSink("mimalloc: " + msg)
	}
}
