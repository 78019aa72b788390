package common

import "strings"

// EqualFoldAny returns true if s matches any of the options, ignoring case.
func EqualFoldAny(s string, options ...string) bool {
	for _, opt := range options {
		if strings.EqualFold(s, opt) {
			return true
		}
	}
	return false
}

// ClampInt bounds v to [lo, hi].
func ClampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
