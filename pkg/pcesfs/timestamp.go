package pcesfs

import (
	"strings"
	"time"
)

// Timestamps are embedded in segment file names, but ":" is not a legal
// file name character on every platform. sanitizeTimestamp swaps it for "+",
// and parseSanitizedTimestamp is the exact string inverse, so the pair is a
// lossless round trip.

func sanitizeTimestamp(t time.Time) string {
	return strings.ReplaceAll(t.UTC().Format(time.RFC3339Nano), ":", "+")
}

func parseSanitizedTimestamp(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, strings.ReplaceAll(s, "+", ":"))
}
