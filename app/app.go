// Package app ties a routing table to a transport: an App sends OSC
// messages, receives datagrams and dispatches them to the handlers reachable
// from its own address space.
//
//	type Synth struct {
//		app.App
//	}
//
//	s := &Synth{}
//	if err := s.Setup("synth", s, synthClass); err != nil { ... }
//	if err := s.Connect("", 0, net.TransportVirtual); err != nil { ... }
//	runner, err := app.Start(&s.App)
package app

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/hashicorp/go-multierror"

	"github.com/lcx/oscroute/codec"
	"github.com/lcx/oscroute/config"
	"github.com/lcx/oscroute/discovery"
	"github.com/lcx/oscroute/log"
	"github.com/lcx/oscroute/metrics"
	"github.com/lcx/oscroute/net"
	"github.com/lcx/oscroute/route"
)

const (
	metricsGroup = "app"

	deregisterTimeout = 3 * time.Second
)

var (
	ErrNotConnected = errors.New("app: not connected")
	ErrConnected    = errors.New("app: already connected")
	ErrNoRegistry   = errors.New("app: no service registry")
)

// Option customizes an App.
type Option func(*App)

// WithConfig replaces DefaultConfig.
func WithConfig(cfg *Config) Option {
	return func(a *App) { a.cfg = cfg }
}

// WithRegistry resolves service names with r instead of the configured
// discovery plugin.
func WithRegistry(r discovery.Registry) Option {
	return func(a *App) { a.registry = r }
}

// WithClock drives delivery timing from clk.
func WithClock(clk clock.Clock) Option {
	return func(a *App) { a.clock = clk }
}

// WithCodec encodes and decodes with c instead of the package codec.
func WithCodec(c codec.Codec) Option {
	return func(a *App) { a.codec = c }
}

// WithDispatcherConfig sets receive limits and address filters.
func WithDispatcherConfig(cfg *net.DispatcherConfig) Option {
	return func(a *App) { a.dispatcherCfg = cfg }
}

// WithConfigManager loads the dispatcher section from cm and follows its
// reloads. It takes precedence over WithDispatcherConfig.
func WithConfigManager(cm config.ConfigManager) Option {
	return func(a *App) { a.cm = cm }
}

// WithLogger replaces the app-tagged default logger.
func WithLogger(l log.Logger) Option {
	return func(a *App) { a.logger = l }
}

// App is a named, routing-capable OSC endpoint. Embed it to make a type an
// application; the embedding type's handlers come from the class passed to
// Setup and from other routing objects attached beneath it.
type App struct {
	route.Node

	name          string
	base          *route.Class
	cfg           *Config
	codec         codec.Codec
	clock         clock.Clock
	logger        log.Logger
	registry      discovery.Registry
	dispatcherCfg *net.DispatcherConfig
	cm            config.ConfigManager
	dispatcher    *net.Dispatcher
	router        *net.Router

	mu         sync.Mutex
	funcs      []*route.Handler
	transport  net.Transport
	advertised string
}

// New builds a standalone App whose handlers are invoked on owner, or on
// the App itself when owner is nil.
func New(name string, owner any, class *route.Class, opts ...Option) (*App, error) {
	a := &App{}
	if err := a.Setup(name, owner, class, opts...); err != nil {
		return nil, err
	}
	return a, nil
}

// Setup initializes an embedded App. class may be nil.
func (a *App) Setup(name string, owner any, class *route.Class, opts ...Option) error {
	for _, opt := range opts {
		opt(a)
	}
	a.name = name
	a.base = class
	if a.cfg == nil {
		a.cfg = DefaultConfig()
	}
	if a.cfg.Name == "" {
		a.cfg.Name = name
	}
	if err := a.cfg.Validate(); err != nil {
		return fmt.Errorf("invalid %s configuration: %w", ConfigName, err)
	}
	if a.logger == nil {
		a.logger = log.WrapAppLogger(log.Default(), name)
	}
	if a.registry == nil && a.cfg.Discovery.Factory != "" {
		r, err := discovery.FromPlugin(a.cfg.Discovery.Factory, a.cfg.Discovery.Instance)
		if err != nil {
			return fmt.Errorf("discovery: %w", err)
		}
		a.registry = r
	}

	if owner == nil {
		owner = a
	}
	a.Init(owner, class)

	var err error
	if a.cm != nil {
		a.dispatcher, err = net.NewDispatcherWithConfigManager(a.cm, &a.Node)
	} else {
		a.dispatcher, err = net.NewDispatcher(a.dispatcherCfg, &a.Node)
	}
	if err != nil {
		return err
	}
	a.dispatcher.SetLogger(a.logger)

	ropts := []net.RouterOption{net.WithDeliveryMode(a.cfg.DeliveryMode), net.WithLogger(a.logger)}
	if a.codec != nil {
		ropts = append(ropts, net.WithCodec(a.codec))
	}
	if a.clock != nil {
		ropts = append(ropts, net.WithClock(a.clock))
	}
	a.router, err = net.NewRouter(a.dispatcher, ropts...)
	return err
}

// Name returns the application name.
func (a *App) Name() string {
	return a.name
}

// Config returns the configuration the app was set up with.
func (a *App) Config() *Config {
	return a.cfg
}

// Dispatcher returns the dispatcher inbound messages go through.
func (a *App) Dispatcher() *net.Dispatcher {
	return a.dispatcher
}

// Connect opens a transport built by the named factory, the configured one
// when factory is empty. bind and sendPort override the configuration.
func (a *App) Connect(bind string, sendPort int, factory string) error {
	if factory == "" {
		factory = a.cfg.Transport
	}
	cfg := *a.cfg
	cfg.Bind = bind
	cfg.SendPort = sendPort

	t, err := net.NewTransport(factory, cfg.TransportOptions(factory))
	if err != nil {
		return err
	}
	if err := a.ConnectWith(t); err != nil {
		_ = t.Close()
		return err
	}
	return nil
}

// ConnectWith adopts t; Close closes it.
func (a *App) ConnectWith(t net.Transport) error {
	if t == nil {
		return errors.New("transport cannot be nil")
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.transport != nil {
		return ErrConnected
	}
	a.transport = t
	a.logger.Info().Str("local", t.LocalAddr().String()).Msg("app connected")
	return nil
}

// Transport returns the connected transport, or nil.
func (a *App) Transport() net.Transport {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.transport
}

// LocalAddr is the address peers see as sender.
func (a *App) LocalAddr() (net.Address, error) {
	t, err := a.conn()
	if err != nil {
		return net.Address{}, err
	}
	return t.LocalAddr(), nil
}

func (a *App) conn() (net.Transport, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.transport == nil {
		return nil, ErrNotConnected
	}
	return a.transport, nil
}

func (a *App) encoder() codec.Codec {
	if a.codec != nil {
		return a.codec
	}
	return codec.Default()
}

// messageArgs lets a single list value stand for the whole argument list.
// Any slice or array counts as a list except []byte, which is one blob.
func messageArgs(values []any) []any {
	if len(values) != 1 {
		return values
	}
	switch v := values[0].(type) {
	case []any:
		return v
	case []byte, nil:
		return values
	}
	rv := reflect.ValueOf(values[0])
	if k := rv.Kind(); k != reflect.Slice && k != reflect.Array {
		return values
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out
}

// Send broadcasts a message to every endpoint on the channel.
func (a *App) Send(address string, values ...any) error {
	return a.SendTo(nil, address, values...)
}

// SendTo sends a message to dst, or broadcasts it when dst is nil.
func (a *App) SendTo(dst *net.Address, address string, values ...any) error {
	t, err := a.conn()
	if err != nil {
		return err
	}
	payload, err := a.encoder().Encode(route.NormalizeAddress(address), messageArgs(values)...)
	if err != nil {
		return err
	}
	return a.send(t, payload, dst)
}

// SendAt sends a bundle the receiver delivers at at.
func (a *App) SendAt(at time.Time, dst *net.Address, address string, values ...any) error {
	t, err := a.conn()
	if err != nil {
		return err
	}
	msg := &codec.Message{Address: route.NormalizeAddress(address), Args: messageArgs(values)}
	payload, err := a.encoder().EncodeBundle(at, msg)
	if err != nil {
		return err
	}
	return a.send(t, payload, dst)
}

// SendToService resolves name and sends the message to every instance.
func (a *App) SendToService(ctx context.Context, name, address string, values ...any) error {
	if a.registry == nil {
		return ErrNoRegistry
	}
	t, err := a.conn()
	if err != nil {
		return err
	}
	services, err := a.registry.Resolve(ctx, name)
	if err != nil {
		return err
	}
	payload, err := a.encoder().Encode(route.NormalizeAddress(address), messageArgs(values)...)
	if err != nil {
		return err
	}

	var errs *multierror.Error
	for _, svc := range services {
		dst := net.Address{Host: svc.Host, Port: svc.Port}
		if err := a.send(t, payload, &dst); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("%s: %w", svc.ID, err))
		}
	}
	return errs.ErrorOrNil()
}

func (a *App) send(t net.Transport, payload []byte, dst *net.Address) error {
	if err := t.Send(payload, dst); err != nil {
		return err
	}
	metrics.IncrCounterWithDimGroup(metricsGroup, "sent_total", 1, metrics.Dimension{"app": a.name})
	return nil
}

// Handle receives one datagram and routes it. It returns nil when a frame
// was read and discarded, and ctx's error when nothing arrived in time.
func (a *App) Handle(ctx context.Context) error {
	return a.handle(ctx, ctx)
}

// handle bounds the wait for a datagram by recvCtx and its delivery by
// routeCtx.
func (a *App) handle(recvCtx, routeCtx context.Context) error {
	t, err := a.conn()
	if err != nil {
		return err
	}
	dg, err := t.Receive(recvCtx)
	if err != nil || dg == nil {
		return err
	}
	metrics.IncrCounterWithDimGroup(metricsGroup, "received_total", 1, metrics.Dimension{"app": a.name})
	return a.router.Route(routeCtx, dg)
}

// MapFunc routes address to fn, which is called without a receiver. Mapped
// functions shadow class handlers at the same address; mapping an address
// twice fails with route.ErrDuplicateAddress.
func (a *App) MapFunc(address string, fn func(...any) error, opts ...route.HandlerOption) error {
	name := strings.TrimPrefix(route.NormalizeAddress(address), "/")
	h := route.Func(name, fn, append([]route.HandlerOption{route.WithAlias(address)}, opts...)...)

	a.mu.Lock()
	defer a.mu.Unlock()
	funcs := append(append([]*route.Handler(nil), a.funcs...), h)
	className := a.name
	if className == "" {
		className = "app"
	}
	class, err := route.Extend(className+".funcs", a.base, funcs...)
	if err != nil {
		return err
	}
	a.funcs = funcs
	a.Init(a.Owner(), class)
	return nil
}

// SetDefaultHandler installs the handler for addresses nothing else
// matches; it receives the address before the arguments. nil removes it.
func (a *App) SetDefaultHandler(h *route.Handler) {
	a.dispatcher.SetDefaultHandler(h, a.Owner())
}

// SetExecutor runs deferred deliveries through exec; nil runs them on the
// delay queue.
func (a *App) SetExecutor(exec func(func())) {
	a.router.SetExecutor(exec)
}

// Pending returns the number of deferred deliveries.
func (a *App) Pending() int {
	return a.router.Pending()
}

// Advertise registers the app's transport address under its name.
func (a *App) Advertise(ctx context.Context, tags ...string) error {
	if a.registry == nil {
		return ErrNoRegistry
	}
	local, err := a.LocalAddr()
	if err != nil {
		return err
	}
	svc := discovery.Service{Name: a.name, Host: local.Host, Port: local.Port, Tags: tags}
	if err := svc.Validate(); err != nil {
		return err
	}
	if err := a.registry.Register(ctx, svc); err != nil {
		return err
	}
	a.mu.Lock()
	a.advertised = svc.ID
	a.mu.Unlock()
	a.logger.Info().Str("id", svc.ID).Msg("app advertised")
	return nil
}

// Close drops deferred deliveries, withdraws the advertisement and closes
// the transport.
func (a *App) Close() error {
	a.router.Close()

	a.mu.Lock()
	t, advertised := a.transport, a.advertised
	a.transport, a.advertised = nil, ""
	a.mu.Unlock()

	var errs *multierror.Error
	if advertised != "" {
		ctx, cancel := context.WithTimeout(context.Background(), deregisterTimeout)
		if err := a.registry.Deregister(ctx, advertised); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("deregister %s: %w", advertised, err))
		}
		cancel()
	}
	if t != nil {
		if err := t.Close(); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("close transport: %w", err))
		}
	}
	return errs.ErrorOrNil()
}
