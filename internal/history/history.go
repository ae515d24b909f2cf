// Package history holds the bounded slice helpers shared by the engines
// that keep in-memory reading and event histories.
package history

import "time"

// TrimOldest drops the oldest tenth of limit (at least one entry, and at
// least the overflow) once s exceeds limit. Entries are assumed to be
// appended in chronological order.
func TrimOldest[T any](s []T, limit int) []T {
	if limit <= 0 || len(s) <= limit {
		return s
	}

	drop := max(limit/10, 1)
	drop = max(drop, len(s)-limit)

	return append(s[:0:0], s[drop:]...)
}

// DropBefore removes the entries whose timestamp is before cutoff and
// returns the remaining slice and the number removed. The backing array
// is reused.
func DropBefore[T any](s []T, cutoff time.Time, at func(T) time.Time) ([]T, int) {
	keep := s[:0]
	removed := 0
	for _, v := range s {
		if at(v).Before(cutoff) {
			removed++
			continue
		}
		keep = append(keep, v)
	}
	return keep, removed
}

// Capacity derives a history cap from a retention window and the interval
// entries are produced at. fallback is returned when either is unset.
func Capacity(retention, interval time.Duration, fallback int) int {
	if retention <= 0 || interval <= 0 {
		return fallback
	}
	return max(int(retention/interval), 1)
}
