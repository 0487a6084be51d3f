package net

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/lcx/oscroute/codec"
	"github.com/lcx/oscroute/log"
	"github.com/lcx/oscroute/metrics"
)

const (
	// DeliveryQueue defers late messages on a delay queue and keeps
	// receiving.
	DeliveryQueue = "queue"
	// DeliveryBlock holds the calling worker until each message is due.
	DeliveryBlock = "block"
)

// ValidDeliveryMode reports whether mode names a delivery mode.
func ValidDeliveryMode(mode string) bool {
	return mode == DeliveryQueue || mode == DeliveryBlock
}

// RouterOption customizes a Router.
type RouterOption func(*Router)

// WithCodec decodes with c instead of the package codec.
func WithCodec(c codec.Codec) RouterOption {
	return func(r *Router) { r.codec = c }
}

// WithClock drives delivery timing from clk.
func WithClock(clk clock.Clock) RouterOption {
	return func(r *Router) { r.clock = clk }
}

// WithDeliveryMode selects DeliveryQueue or DeliveryBlock.
func WithDeliveryMode(mode string) RouterOption {
	return func(r *Router) { r.mode = mode }
}

// WithLogger sends the router's log output to l.
func WithLogger(l log.Logger) RouterOption {
	return func(r *Router) { r.logger = l }
}

// Router decodes datagrams and hands each message to the dispatcher at its
// delivery time.
type Router struct {
	dispatcher *Dispatcher
	codec      codec.Codec
	clock      clock.Clock
	mode       string
	logger     log.Logger
	queue      *DelayQueue
}

// NewRouter builds a router over d. It uses the default codec, the real
// clock and queue delivery unless options say otherwise.
func NewRouter(d *Dispatcher, opts ...RouterOption) (*Router, error) {
	if d == nil {
		return nil, errors.New("dispatcher cannot be nil")
	}
	r := &Router{dispatcher: d, mode: DeliveryQueue}
	for _, opt := range opts {
		opt(r)
	}
	if !ValidDeliveryMode(r.mode) {
		return nil, fmt.Errorf("unknown delivery mode %q", r.mode)
	}
	if r.clock == nil {
		r.clock = clock.New()
	}
	if r.logger == nil {
		r.logger = log.Default()
	}
	if r.mode == DeliveryQueue {
		r.queue = NewDelayQueue(r.clock)
	}
	return r, nil
}

// Dispatcher returns the dispatcher messages are handed to.
func (r *Router) Dispatcher() *Dispatcher {
	return r.dispatcher
}

// Mode returns the delivery mode.
func (r *Router) Mode() string {
	return r.mode
}

// SetExecutor runs deferred deliveries through exec. Immediate deliveries
// always run on the caller of Route.
func (r *Router) SetExecutor(exec func(func())) {
	if r.queue != nil {
		r.queue.SetExecutor(exec)
	}
}

// Pending returns the number of deferred deliveries.
func (r *Router) Pending() int {
	if r.queue == nil {
		return 0
	}
	return r.queue.Len()
}

// Close drops every deferred delivery.
func (r *Router) Close() {
	if r.queue != nil {
		r.queue.Close()
	}
}

// Route decodes dg and delivers its messages in order. A datagram that does
// not decode is logged and dropped; Route only fails when ctx ends while
// waiting in block mode.
func (r *Router) Route(ctx context.Context, dg *Datagram) error {
	c := r.codec
	if c == nil {
		c = codec.Default()
	}
	msgs, err := c.Decode(dg.Payload)
	if err != nil {
		metrics.IncrCounterWithGroup(metricsGroup, "decode_errors_total", 1)
		r.logger.Warn().Str("sender", dg.Sender.String()).Int("size", len(dg.Payload)).Err(err).Msg("dropping datagram")
		return nil
	}
	metrics.IncrCounterWithGroup(metricsGroup, "datagrams_total", 1)

	// A message is never delivered before the one decoded ahead of it.
	var due time.Time
	deferred := false
	for _, m := range msgs {
		if m.Time.After(due) {
			due = m.Time
		}
		dl := &Delivery{Message: m.Message, Sender: dg.Sender, Time: due}

		if r.mode == DeliveryBlock {
			if err := r.sleepUntil(ctx, due); err != nil {
				return err
			}
			r.dispatch(ctx, dl)
			continue
		}

		if !deferred && !due.After(r.clock.Now()) {
			r.dispatch(ctx, dl)
			continue
		}
		deferred = true
		if !r.queue.Push(due, func() { r.dispatch(context.Background(), dl) }) {
			r.logger.Debug().Str("address", dl.Message.Address).Msg("router closed, delivery dropped")
		}
	}
	return nil
}

func (r *Router) sleepUntil(ctx context.Context, due time.Time) error {
	wait := due.Sub(r.clock.Now())
	if due.IsZero() || wait <= 0 {
		return nil
	}
	timer := r.clock.Timer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (r *Router) dispatch(ctx context.Context, dl *Delivery) {
	if err := r.dispatcher.Dispatch(ctx, dl); err != nil {
		r.logger.Warn().Str("address", dl.Message.Address).Str("sender", dl.Sender.String()).Err(err).Msg("dispatch failed")
	}
}
