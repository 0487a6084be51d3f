package net

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/lcx/oscroute/codec"
	"github.com/lcx/oscroute/config"
	"github.com/lcx/oscroute/log"
	"github.com/lcx/oscroute/metrics"
	"github.com/lcx/oscroute/route"
)

const (
	metricsGroup = "net"

	DispatcherConfigName = "dispatcher"

	LimiterToken  = "token"
	LimiterFunnel = "funnel"
)

// Delivery is one decoded message on its way to the handlers.
type Delivery struct {
	Message codec.Message
	Sender  Address
	// Time is the requested delivery time; zero means immediately.
	Time time.Time

	ctx context.Context
}

// Context returns the context the delivery is dispatched under.
func (d *Delivery) Context() context.Context {
	if d.ctx == nil {
		return context.Background()
	}
	return d.ctx
}

// Matcher resolves an inbound address to routes. *route.Node implements it.
type Matcher interface {
	Match(address string) []route.Route
}

// DispatcherConfig controls receive limiting and address filtering.
// A zero RecvRateLimit disables limiting.
type DispatcherConfig struct {
	RecvRateLimit int              `mapstructure:"recvRateLimit"`
	TokenBurst    int              `mapstructure:"tokenBurst"`
	Limiter       string           `mapstructure:"limiter"`
	AddressFilter AddressFilterCfg `mapstructure:"addressFilter"`
}

// DefaultDispatcherConfig returns an unlimited, unfiltered configuration.
func DefaultDispatcherConfig() *DispatcherConfig {
	return &DispatcherConfig{Limiter: LimiterToken}
}

// GetName returns DispatcherConfigName.
func (c *DispatcherConfig) GetName() string {
	return DispatcherConfigName
}

// Validate checks the limiter kind, rate and burst and that no blocked
// pattern is empty.
func (c *DispatcherConfig) Validate() error {
	if c.RecvRateLimit < 0 {
		return fmt.Errorf("RecvRateLimit cannot be negative")
	}
	if c.RecvRateLimit > 1000000 {
		return fmt.Errorf("RecvRateLimit cannot exceed 1,000,000 messages per second")
	}
	switch c.Limiter {
	case "", LimiterToken:
		if c.RecvRateLimit == 0 {
			break
		}
		if c.TokenBurst <= 0 {
			return fmt.Errorf("TokenBurst must be positive")
		}
		if c.TokenBurst > c.RecvRateLimit*10 {
			return fmt.Errorf("TokenBurst cannot exceed 10 times RecvRateLimit")
		}
	case LimiterFunnel:
	default:
		return fmt.Errorf("unknown limiter %q", c.Limiter)
	}
	for _, p := range c.AddressFilter.Blocked {
		if strings.TrimPrefix(p, "/") == "" {
			return fmt.Errorf("blocked pattern %q is empty", p)
		}
	}
	return nil
}

// Dispatcher runs deliveries through the filter chain and invokes every
// route the matcher returns, falling back to the default handler when
// nothing matches.
type Dispatcher struct {
	matcher  Matcher
	fallback atomic.Pointer[route.Route]
	log      atomic.Pointer[logHolder]

	lock        sync.RWMutex
	filters     DispatcherFilterChain
	recvLimiter RecvLimiter
	blocked     []*regexp.Regexp
	config      *DispatcherConfig
}

type logHolder struct{ log.Logger }

// NewDispatcher builds a dispatcher over matcher. A nil cfg uses
// DefaultDispatcherConfig.
func NewDispatcher(cfg *DispatcherConfig, matcher Matcher) (*Dispatcher, error) {
	if matcher == nil {
		return nil, errors.New("matcher cannot be nil")
	}
	if cfg == nil {
		cfg = DefaultDispatcherConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid dispatcher configuration: %w", err)
	}

	d := &Dispatcher{
		matcher:     matcher,
		recvLimiter: newRecvLimiter(cfg.Limiter, cfg.RecvRateLimit, cfg.TokenBurst),
		blocked:     compileBlocked(&cfg.AddressFilter),
		config:      cfg,
	}
	d.filters = DispatcherFilterChain{d.addressFilter, d.recvLimiterFilter}
	return d, nil
}

// NewDispatcherWithConfigManager loads the "dispatcher" configuration and
// keeps the dispatcher in sync with later changes.
func NewDispatcherWithConfigManager(configManager config.ConfigManager, matcher Matcher) (*Dispatcher, error) {
	if configManager == nil {
		return nil, errors.New("configManager cannot be nil")
	}

	cfg := DefaultDispatcherConfig()
	if err := configManager.LoadConfig(DispatcherConfigName, cfg); err != nil {
		return nil, fmt.Errorf("failed to load dispatcher config: %w", err)
	}

	d, err := NewDispatcher(cfg, matcher)
	if err != nil {
		return nil, err
	}
	configManager.AddChangeListener(d)
	return d, nil
}

// OnConfigChanged implements config.ConfigChangeListener.
func (d *Dispatcher) OnConfigChanged(configName string, newConfig, _ config.Config) error {
	if configName != DispatcherConfigName {
		return nil
	}

	newCfg, ok := newConfig.(*DispatcherConfig)
	if !ok {
		return fmt.Errorf("invalid configuration type for Dispatcher")
	}
	if err := newCfg.Validate(); err != nil {
		return fmt.Errorf("invalid dispatcher configuration: %w", err)
	}

	d.lock.Lock()
	defer d.lock.Unlock()

	switch {
	case newCfg.RecvRateLimit <= 0:
		d.recvLimiter = nil
	case d.recvLimiter == nil || newCfg.Limiter != d.config.Limiter:
		d.recvLimiter = newRecvLimiter(newCfg.Limiter, newCfg.RecvRateLimit, newCfg.TokenBurst)
	default:
		d.recvLimiter.Reload(newCfg.RecvRateLimit, newCfg.TokenBurst)
	}
	d.blocked = compileBlocked(&newCfg.AddressFilter)
	d.config = newCfg

	d.logger().Info().Str("configName", configName).Int("recvRateLimit", newCfg.RecvRateLimit).
		Int("blocked", len(d.blocked)).Msg("Dispatcher configuration updated successfully")
	return nil
}

// GetConfigName implements config.ConfigChangeListener.
func (d *Dispatcher) GetConfigName() string {
	return DispatcherConfigName
}

// Config returns the active configuration.
func (d *Dispatcher) Config() *DispatcherConfig {
	d.lock.RLock()
	defer d.lock.RUnlock()
	return d.config
}

// SetLogger routes the dispatcher's log output to l.
func (d *Dispatcher) SetLogger(l log.Logger) {
	if l == nil {
		d.log.Store(nil)
		return
	}
	d.log.Store(&logHolder{l})
}

func (d *Dispatcher) logger() log.Logger {
	if h := d.log.Load(); h != nil {
		return h.Logger
	}
	return log.Default()
}

// RegDispatcherFilter appends a filter. Filters run after the built-in
// address filter and receive limiter.
func (d *Dispatcher) RegDispatcherFilter(f DispatcherFilter) {
	if f == nil {
		return
	}
	d.lock.Lock()
	defer d.lock.Unlock()
	filters := make(DispatcherFilterChain, 0, len(d.filters)+1)
	filters = append(filters, d.filters...)
	d.filters = append(filters, f)
}

// SetDefaultHandler installs the handler invoked when an address matches
// nothing, on owner. The handler receives the inbound address before the
// message arguments. A nil handler removes it.
func (d *Dispatcher) SetDefaultHandler(h *route.Handler, owner any) {
	if h == nil {
		d.fallback.Store(nil)
		return
	}
	d.fallback.Store(&route.Route{Address: h.Address(), Handler: h, Owner: owner})
}

// DefaultHandler returns the installed default route.
func (d *Dispatcher) DefaultHandler() (route.Route, bool) {
	if r := d.fallback.Load(); r != nil {
		return *r, true
	}
	return route.Route{}, false
}

// Match returns the routes for address, or the default route alone when
// nothing matches.
func (d *Dispatcher) Match(address string) []route.Route {
	routes, _ := d.match(address)
	return routes
}

func (d *Dispatcher) match(address string) ([]route.Route, bool) {
	routes := d.matcher.Match(address)
	if len(routes) > 0 {
		return routes, false
	}
	if r := d.fallback.Load(); r != nil {
		return []route.Route{*r}, true
	}
	return nil, false
}

// Dispatch filters d and invokes every matching route in order. Handler
// failures do not stop later handlers; they are returned together.
func (d *Dispatcher) Dispatch(ctx context.Context, dl *Delivery) error {
	dl.ctx = ctx

	d.lock.RLock()
	filters := d.filters
	d.lock.RUnlock()

	return filters.Handle(dl, d.deliver)
}

func (d *Dispatcher) deliver(dl *Delivery) error {
	address := dl.Message.Address
	routes, fallback := d.match(address)
	if len(routes) == 0 {
		metrics.IncrCounterWithGroup(metricsGroup, "unrouted_total", 1)
		d.logger().Debug().Str("address", address).Str("sender", dl.Sender.String()).Msg("no handler")
		return nil
	}

	args := dl.Message.Args
	if fallback {
		args = append([]any{address}, args...)
	}

	var errs *multierror.Error
	for _, r := range routes {
		metrics.IncrCounterWithGroup(metricsGroup, "dispatch_total", 1)
		if err := invoke(r, dl.Sender, args); err != nil {
			metrics.IncrCounterWithGroup(metricsGroup, "handler_errors_total", 1)
			errs = multierror.Append(errs, fmt.Errorf("%s -> %s: %w", address, r.Handler.Name(), err))
		}
	}
	return errs.ErrorOrNil()
}

func invoke(r route.Route, sender Address, args []any) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("handler panic: %v", p)
		}
	}()
	return r.Invoke(sender, args)
}

func blockedPattern(p string) *regexp.Regexp {
	return route.Pattern(route.NormalizeAddress(p))
}
