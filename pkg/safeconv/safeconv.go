// Package safeconv provides safe integer type conversion functions that panic on overflow.
package safeconv

import "math"

// MaxInt is the maximum value for int type (platform-dependent).
const MaxInt = int(^uint(0) >> 1)

// MustInt64ToInt converts int64 to int, panics on overflow.
// Use only when overflow is logically impossible (row counts, small sums).
func MustInt64ToInt(v int64) int {
	if v > int64(MaxInt) || v < int64(math.MinInt) {
		panic("safeconv: int64 to int overflow")
	}

	return int(v)
}

// MustUint64ToInt64 converts uint64 to int64, panics on overflow.
// Use only when the value is known to fit (byte counts from /proc).
func MustUint64ToInt64(v uint64) int64 {
	if v > math.MaxInt64 {
		panic("safeconv: uint64 to int64 overflow")
	}

	return int64(v)
}

// MustIntToUint converts int to uint, panics if negative.
// Use only when negative values are logically impossible.
func MustIntToUint(v int) uint {
	if v < 0 {
		panic("safeconv: negative int to uint conversion")
	}

	return uint(v)
}
