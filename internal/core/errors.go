package core

import (
	"errors"
	"strings"
)

// Standardized engine errors
var (
	ErrFeedStale             = errors.New("feed stale")
	ErrBookCrossed           = errors.New("book crossed")
	ErrInsufficientCapital   = errors.New("insufficient capital")
	ErrOrderRejectedPostOnly = errors.New("order rejected: post-only would cross")
	ErrOrderRejectedOther    = errors.New("order rejected")
	ErrTimeout               = errors.New("timeout")
	ErrNoFill                = errors.New("no fill")
	ErrPartialRecovered      = errors.New("partial fill recovered")
	ErrBrokenHedge           = errors.New("broken hedge")
	ErrRateLimited           = errors.New("rate limited")
	ErrPaused                = errors.New("paused")
	ErrExchange              = errors.New("exchange error")
	ErrPersistence           = errors.New("persistence error")
)

// IsPostOnlyReject reports whether a venue reason means the maker order
// would have crossed the spread. Treated as an ordinary flow, not a failure.
func IsPostOnlyReject(reason string) bool {
	r := strings.ToLower(reason)
	for _, check := range []string{
		"post only",
		"post-only",
		"postonly",
		"would execute immediately",
		"immediate execution",
		"could not immediately match",
	} {
		if strings.Contains(r, check) {
			return true
		}
	}
	return false
}
