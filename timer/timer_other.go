// Copyright (c) Nanokern Authors.
// SPDX-License-Identifier: BSD-3-Clause

//go:build !linux

package timer

import "time"

// NewPlatform returns the best tick source for this platform.
func NewPlatform(period time.Duration) Source {
	return NewTicker(period)
}
