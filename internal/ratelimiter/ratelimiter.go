// Package ratelimiter throttles how fast the acceptor admits new
// connections.
package ratelimiter

import (
	"context"
	"math"

	"golang.org/x/time/rate"
)

// Limiter is a token bucket over accepted connections.
//
// Each admitted connection consumes one token. Tokens refill at the
// configured rate and the bucket holds at most burst of them, so a quiet
// listener can absorb a reconnect storm of burst clients at once.
//
// A nil *Limiter admits everything.
//
// Thread safety:
// All methods are safe for concurrent use.
type Limiter struct {
	limiter *rate.Limiter
}

// New creates a limiter admitting perSecond connections per second with the
// given burst. It returns nil, an unlimited limiter, when perSecond is 0.
// A zero burst is raised to 1 so that a limited listener can accept at all.
func New(perSecond float64, burst int) *Limiter {
	if perSecond <= 0 {
		return nil
	}
	if burst < 1 {
		burst = 1
	}
	return &Limiter{limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

// Allow consumes a token if one is available. The acceptor calls it for
// every accepted socket and closes the socket when it returns false.
func (l *Limiter) Allow() bool {
	if l == nil {
		return true
	}
	return l.limiter.Allow()
}

// Wait blocks until a token is available or ctx is done.
func (l *Limiter) Wait(ctx context.Context) error {
	if l == nil {
		return ctx.Err()
	}
	return l.limiter.Wait(ctx)
}

// SetLimit changes the refill rate. A rate of 0 removes the limit.
func (l *Limiter) SetLimit(perSecond float64) {
	if l == nil {
		return
	}
	if perSecond <= 0 {
		l.limiter.SetLimit(rate.Inf)
		return
	}
	l.limiter.SetLimit(rate.Limit(perSecond))
}

// Tokens reports the tokens currently in the bucket, or +Inf for an
// unlimited limiter.
func (l *Limiter) Tokens() float64 {
	if l == nil {
		return math.Inf(1)
	}
	return l.limiter.Tokens()
}
