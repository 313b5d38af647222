//go:build !meemdebug

// SPDX-License-Identifier: MIT

package meem

// debugAssert is a no-op in release builds; the call site is responsible
// for marking the current operation NOK and continuing.
func debugAssert(cond bool, msg string) {}
