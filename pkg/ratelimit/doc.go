// Package ratelimit implements a sliding-window request limiter keyed by
// scope.
//
// A scope is either GlobalScope or a target host. Each scope keeps the
// timestamps of its admissions inside the current window and admits a new
// request only while fewer than capacity of them remain:
//
//	limiter, err := ratelimit.New(60, time.Minute)
//	if err != nil {
//	    return err // zero capacity or window
//	}
//	if err := limiter.Wait(ctx, "example.com"); err != nil {
//	    return err // cancelled before admission, nothing was consumed
//	}
//
// Acquire never blocks; it returns how long the caller must wait before
// asking again. Scopes are locked independently so unrelated hosts never
// contend.
package ratelimit
