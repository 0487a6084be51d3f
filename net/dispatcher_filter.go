package net

import (
	"regexp"

	"github.com/lcx/oscroute/metrics"
)

// DispatcherFilterHandleFunc is the next step of a filter chain.
type DispatcherFilterHandleFunc func(d *Delivery) error

// DispatcherFilter intercepts a delivery before it is matched. A filter
// either calls f to continue or returns without calling it to drop the
// delivery.
type DispatcherFilter func(d *Delivery, f DispatcherFilterHandleFunc) error

// DispatcherFilterChain runs filters in order, then the final handler.
type DispatcherFilterChain []DispatcherFilter

// Handle runs the filters in order and f after the last one. A filter
// that does not call its successor ends the chain.
func (fc DispatcherFilterChain) Handle(d *Delivery, f DispatcherFilterHandleFunc) error {
	if len(fc) == 0 {
		return f(d)
	}
	return fc[0](d, func(d *Delivery) error {
		return fc[1:].Handle(d, f)
	})
}

// AddressFilterCfg lists inbound address patterns that are dropped before
// matching. Patterns use the inbound wildcard rules.
type AddressFilterCfg struct {
	Blocked []string `mapstructure:"blocked"`
}

func compileBlocked(cfg *AddressFilterCfg) []*regexp.Regexp {
	out := make([]*regexp.Regexp, 0, len(cfg.Blocked))
	for _, p := range cfg.Blocked {
		out = append(out, blockedPattern(p))
	}
	return out
}

// addressFilter drops deliveries whose address matches a blocked pattern.
func (dp *Dispatcher) addressFilter(d *Delivery, f DispatcherFilterHandleFunc) error {
	dp.lock.RLock()
	blocked := dp.blocked
	dp.lock.RUnlock()

	for _, re := range blocked {
		if re.MatchString(d.Message.Address) {
			metrics.IncrCounterWithGroup(metricsGroup, "blocked_total", 1)
			dp.logger().Debug().Str("address", d.Message.Address).Str("sender", d.Sender.String()).Msg("address blocked")
			return nil
		}
	}
	return f(d)
}

// recvLimiterFilter waits for the receive limiter, if one is configured.
func (dp *Dispatcher) recvLimiterFilter(d *Delivery, f DispatcherFilterHandleFunc) error {
	dp.lock.RLock()
	limiter := dp.recvLimiter
	dp.lock.RUnlock()

	if limiter != nil {
		if err := limiter.Take(d.Context()); err != nil {
			return err
		}
	}
	return f(d)
}
