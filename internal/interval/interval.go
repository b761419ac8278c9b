// Package interval maps unix timestamps (seconds) onto interval-aligned buckets.
package interval

import "fmt"

// StartOf returns the start of the bucket of size i containing timestamp t.
// It panics when i <= 0.
func StartOf(t, i int64) int64 {
	mustPositive(i)
	m := t % i
	if m < 0 {
		m += i
	}
	return t - m
}

// EndOf returns the exclusive end of the bucket of size i containing t
func EndOf(t, i int64) int64 {
	return StartOf(t, i) + i
}

// Window aligns [from, to) outward to bucket boundaries of size i
func Window(from, to, i int64) (int64, int64) {
	alignedFrom := StartOf(from, i)
	alignedTo := StartOf(to, i)
	if alignedTo < to {
		alignedTo += i
	}
	return alignedFrom, alignedTo
}

// BucketCount returns how many buckets of size i are touched by [from, to]
func BucketCount(from, to, i int64) int64 {
	if to < from {
		return 0
	}
	return (StartOf(to, i)-StartOf(from, i))/i + 1
}

// Smallest returns the smallest interval of a non-empty list
func Smallest(intervals []int64) int64 {
	if len(intervals) == 0 {
		panic("interval: empty interval list")
	}
	min := intervals[0]
	for _, i := range intervals[1:] {
		if i < min {
			min = i
		}
	}
	return min
}

func mustPositive(i int64) {
	if i <= 0 {
		panic(fmt.Sprintf("interval: non-positive interval %d", i))
	}
}
