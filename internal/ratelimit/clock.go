package ratelimit

import "time"

// Clock abstracts time.Now so rate limits and retry timing are testable with
// a fake clock.
type Clock interface {
	Now() time.Time
}

// RealClock is the production Clock backed by time.Now.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }
