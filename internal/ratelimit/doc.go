// Package ratelimit provides per-key rate limiting for user actions.
//
// KeyedLimiter keeps one golang.org/x/time/rate token bucket per key
// (typically a user ID). A limit of 2 per 5 minutes lets a user act twice
// immediately and then once every two and a half minutes.
//
//	lim := ratelimit.New(2, 5*time.Minute)
//	defer lim.Close()
//	if !lim.Allow(userID) {
//		// reject with 429
//	}
package ratelimit
