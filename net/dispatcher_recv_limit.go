package net

import (
	"context"
	"sync/atomic"

	"go.uber.org/ratelimit"
	"golang.org/x/time/rate"
)

// RecvLimiter throttles deliveries before they reach the handlers.
type RecvLimiter interface {
	// Take blocks until the next delivery may proceed.
	Take(ctx context.Context) error
	// Reload swaps the limits in place.
	Reload(limit, burst int)
}

// DispatcherRecvLimiter is a token bucket limiter. The bucket is swapped
// atomically on Reload, so a reload never blocks a waiting delivery.
type DispatcherRecvLimiter struct {
	limiter atomic.Pointer[rate.Limiter]
}

// NewTokenRecvLimiter allows limit deliveries per second with bursts of up
// to burst.
func NewTokenRecvLimiter(limit int, burst int) *DispatcherRecvLimiter {
	self := &DispatcherRecvLimiter{}
	self.limiter.Store(rate.NewLimiter(rate.Limit(limit), burst))
	return self
}

// Take waits for a token or for ctx to end.
func (l *DispatcherRecvLimiter) Take(ctx context.Context) error {
	return l.limiter.Load().Wait(ctx)
}

// Allow takes a token if one is available right now.
func (l *DispatcherRecvLimiter) Allow() bool {
	return l.limiter.Load().Allow()
}

// Reload swaps in a limiter with the new rate and burst.
func (l *DispatcherRecvLimiter) Reload(limit int, burst int) {
	l.limiter.Store(rate.NewLimiter(rate.Limit(limit), burst))
}

// FunnelRecvLimiter spaces deliveries evenly (leaky bucket); burst is
// ignored.
type FunnelRecvLimiter struct {
	limiter atomic.Pointer[ratelimit.Limiter]
}

// NewFunnelRecvLimiter spaces receives evenly at limit per second with no
// burst.
func NewFunnelRecvLimiter(limit int) *FunnelRecvLimiter {
	limiter := ratelimit.New(limit)
	self := &FunnelRecvLimiter{}
	self.limiter.Store(&limiter)
	return self
}

// Take blocks until the next slot. The funnel cannot be interrupted, so ctx
// is only checked before waiting.
func (l *FunnelRecvLimiter) Take(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_ = (*l.limiter.Load()).Take()
	return nil
}

// Reload swaps in a limiter for the new rate; burst does not apply.
func (l *FunnelRecvLimiter) Reload(limit int, _ int) {
	limiter := ratelimit.New(limit)
	l.limiter.Store(&limiter)
}

// newRecvLimiter builds the limiter named by kind; a non-positive limit
// disables limiting.
func newRecvLimiter(kind string, limit, burst int) RecvLimiter {
	if limit <= 0 {
		return nil
	}
	if kind == LimiterFunnel {
		return NewFunnelRecvLimiter(limit)
	}
	return NewTokenRecvLimiter(limit, burst)
}
