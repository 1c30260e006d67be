// Copyright 2025 Brickfolio Authors
// SPDX-License-Identifier: Apache-2.0

package bricksync

import "time"

// Visibility mirrors the embedding application's foreground state. Hidden
// instances flush sooner because they may be terminated without warning.
type Visibility int

const (
	Visible Visibility = iota
	Hidden
)

func (v Visibility) String() string {
	if v == Hidden {
		return "hidden"
	}
	return "visible"
}

// FlushPolicy maps visibility to the write-coalescing window. Injected so
// tests can pin it to zero or to fixed values.
type FlushPolicy func(v Visibility) time.Duration

// DefaultFlushPolicy coalesces bursts of writes while visible and shortens the
// window drastically once hidden.
func DefaultFlushPolicy(visibleWindow, hiddenWindow time.Duration) FlushPolicy {
	if visibleWindow <= 0 {
		visibleWindow = 800 * time.Millisecond
	}
	if hiddenWindow <= 0 {
		hiddenWindow = 50 * time.Millisecond
	}
	return func(v Visibility) time.Duration {
		if v == Hidden {
			return hiddenWindow
		}
		return visibleWindow
	}
}
