// Package quotas provides a rate limiter applied ahead of every call a shard
// accessor makes against a metadata store, so a scan cannot starve the
// stores that production traffic depends on.
package quotas

import (
	"context"

	"golang.org/x/time/rate"
)

type (
	// Limiter corresponds to basic rate limiting functionality.
	Limiter interface {
		// Allow attempts to allow a request to go through. The method returns
		// immediately with a true or false indicating if the request can make
		// progress
		Allow() bool

		// Wait waits till the deadline for a rate limit token to allow the request
		// to go through.
		Wait(ctx context.Context) error
	}

	// RateLimiter is a wrapper around the golang rate limiter
	RateLimiter struct {
		goRateLimiter *rate.Limiter
	}
)

// NewRateLimiter returns a new rate limiter with the given rate and burst.
func NewRateLimiter(rps float64, burst int) *RateLimiter {
	return &RateLimiter{
		goRateLimiter: rate.NewLimiter(rate.Limit(rps), burst),
	}
}

// Allow immediately returns with true or false indicating if a rate limit
// token is available or not
func (rl *RateLimiter) Allow() bool {
	return rl.goRateLimiter.Allow()
}

// Wait waits up till deadline for a rate limit token
func (rl *RateLimiter) Wait(ctx context.Context) error {
	return rl.goRateLimiter.Wait(ctx)
}
