package db

import "time"

// Timestamps are stored as unix milliseconds so the same SQL orders and
// compares correctly on both SQLite and Postgres.

// Millis converts t to unix milliseconds; the zero time maps to 0.
func Millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

// FromMillis converts unix milliseconds back to UTC; 0 maps to the zero time.
func FromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
