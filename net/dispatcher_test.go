package net

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lcx/oscroute/codec"
	"github.com/lcx/oscroute/config"
	"github.com/lcx/oscroute/route"
)

type call struct {
	name string
	args []any
}

// recorder builds handlers that remember their invocations.
type recorder struct {
	mu    sync.Mutex
	calls []call
}

func (r *recorder) handler(name string, opts ...route.HandlerOption) *route.Handler {
	return r.handlerFunc(name, nil, opts...)
}

func (r *recorder) handlerFunc(name string, fn func() error, opts ...route.HandlerOption) *route.Handler {
	return route.Func(name, func(args ...any) error {
		r.mu.Lock()
		r.calls = append(r.calls, call{name: name, args: args})
		r.mu.Unlock()
		if fn != nil {
			return fn()
		}
		return nil
	}, opts...)
}

func (r *recorder) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.calls))
	for i, c := range r.calls {
		out[i] = c.name
	}
	return out
}

func (r *recorder) last() call {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.calls) == 0 {
		return call{}
	}
	return r.calls[len(r.calls)-1]
}

func newTable(t *testing.T, handlers ...*route.Handler) *route.Node {
	t.Helper()
	class, err := route.NewAnonymousClass("test.table", handlers...)
	require.NoError(t, err)
	n := &route.Node{}
	n.Init(n, class)
	return n
}

func newTestDispatcher(t *testing.T, cfg *DispatcherConfig, handlers ...*route.Handler) *Dispatcher {
	t.Helper()
	d, err := NewDispatcher(cfg, newTable(t, handlers...))
	require.NoError(t, err)
	return d
}

func delivery(address string, args ...any) *Delivery {
	return &Delivery{
		Message: codec.Message{Address: address, Args: args},
		Sender:  Address{Host: "10.0.0.7", Port: 9000},
	}
}

func TestDispatcherConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     DispatcherConfig
		wantErr bool
	}{
		{"default", *DefaultDispatcherConfig(), false},
		{"unlimited with burst", DispatcherConfig{TokenBurst: 5}, false},
		{"token limit", DispatcherConfig{RecvRateLimit: 100, TokenBurst: 10}, false},
		{"negative limit", DispatcherConfig{RecvRateLimit: -1}, true},
		{"limit too high", DispatcherConfig{RecvRateLimit: 1000001, TokenBurst: 1}, true},
		{"missing burst", DispatcherConfig{RecvRateLimit: 10}, true},
		{"burst too large", DispatcherConfig{RecvRateLimit: 10, TokenBurst: 101}, true},
		{"funnel ignores burst", DispatcherConfig{RecvRateLimit: 10, Limiter: LimiterFunnel}, false},
		{"unknown limiter", DispatcherConfig{Limiter: "bucket"}, true},
		{"blocked pattern", DispatcherConfig{AddressFilter: AddressFilterCfg{Blocked: []string{"/debug/*"}}}, false},
		{"empty blocked pattern", DispatcherConfig{AddressFilter: AddressFilterCfg{Blocked: []string{"/"}}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestNewDispatcher(t *testing.T) {
	_, err := NewDispatcher(nil, nil)
	assert.Error(t, err)

	_, err = NewDispatcher(&DispatcherConfig{RecvRateLimit: -1}, newTable(t))
	assert.Error(t, err)

	d, err := NewDispatcher(nil, newTable(t))
	require.NoError(t, err)
	assert.Equal(t, LimiterToken, d.Config().Limiter)
	assert.Nil(t, d.recvLimiter)
	assert.Equal(t, DispatcherConfigName, d.GetConfigName())
}

func TestDispatchInvokesEveryRoute(t *testing.T) {
	rec := &recorder{}
	d := newTestDispatcher(t, nil,
		rec.handler("vol", route.WithAlias("/mix/vol")),
		rec.handler("mixAll", route.WithAlias("/mix/*")),
		rec.handler("ping", route.WithSender()),
	)

	require.NoError(t, d.Dispatch(context.Background(), delivery("/mix/vol", float32(0.5))))
	assert.Equal(t, []string{"vol", "mixAll"}, rec.names())
	assert.Equal(t, []any{float32(0.5)}, rec.last().args)

	require.NoError(t, d.Dispatch(context.Background(), delivery("/ping", int32(1))))
	assert.Equal(t, []any{Address{Host: "10.0.0.7", Port: 9000}, int32(1)}, rec.last().args)
}

func TestDispatchDefaultHandler(t *testing.T) {
	rec := &recorder{}
	d := newTestDispatcher(t, nil, rec.handler("ping"))

	// no default: a miss is silently ignored
	require.NoError(t, d.Dispatch(context.Background(), delivery("/nowhere")))
	assert.Empty(t, rec.names())

	d.SetDefaultHandler(rec.handler("fallback"), nil)
	_, ok := d.DefaultHandler()
	assert.True(t, ok)

	require.NoError(t, d.Dispatch(context.Background(), delivery("/nowhere", int32(3))))
	assert.Equal(t, call{name: "fallback", args: []any{"/nowhere", int32(3)}}, rec.last())

	require.NoError(t, d.Dispatch(context.Background(), delivery("/ping")))
	assert.Equal(t, []string{"fallback", "ping"}, rec.names())

	assert.Len(t, d.Match("/nowhere"), 1)
	assert.Equal(t, "ping", d.Match("/ping")[0].Handler.Name())

	d.SetDefaultHandler(nil, nil)
	assert.Empty(t, d.Match("/nowhere"))
}

func TestDispatchHandlerFailuresDoNotStopOthers(t *testing.T) {
	errBoom := errors.New("boom")
	rec := &recorder{}
	d := newTestDispatcher(t, nil,
		rec.handlerFunc("ha", func() error { return errBoom }),
		rec.handlerFunc("hb", func() error { panic("bad handler") }),
		rec.handler("hc"),
	)

	err := d.Dispatch(context.Background(), delivery("/h?"))
	require.Error(t, err)
	assert.ErrorIs(t, err, errBoom)
	assert.Contains(t, err.Error(), "handler panic")
	assert.Equal(t, []string{"ha", "hb", "hc"}, rec.names())
}

func TestDispatcherAddressFilter(t *testing.T) {
	rec := &recorder{}
	d := newTestDispatcher(t, &DispatcherConfig{AddressFilter: AddressFilterCfg{Blocked: []string{"debug/*"}}},
		rec.handler("trace", route.WithAlias("/debug/trace")),
		rec.handler("ping"),
	)

	require.NoError(t, d.Dispatch(context.Background(), delivery("/debug/trace")))
	require.NoError(t, d.Dispatch(context.Background(), delivery("/ping")))
	assert.Equal(t, []string{"ping"}, rec.names())

	require.NoError(t, d.OnConfigChanged(DispatcherConfigName, &DispatcherConfig{}, nil))
	require.NoError(t, d.Dispatch(context.Background(), delivery("/debug/trace")))
	assert.Equal(t, []string{"ping", "trace"}, rec.names())
}

func TestDispatcherOnConfigChanged(t *testing.T) {
	d := newTestDispatcher(t, nil)

	assert.NoError(t, d.OnConfigChanged("other", &DispatcherConfig{RecvRateLimit: -1}, nil))
	assert.Error(t, d.OnConfigChanged(DispatcherConfigName, &UDPTransportCfg{}, nil))
	assert.Error(t, d.OnConfigChanged(DispatcherConfigName, &DispatcherConfig{RecvRateLimit: -1}, nil))

	require.NoError(t, d.OnConfigChanged(DispatcherConfigName, &DispatcherConfig{RecvRateLimit: 100, TokenBurst: 10, Limiter: LimiterToken}, nil))
	token, ok := d.recvLimiter.(*DispatcherRecvLimiter)
	require.True(t, ok)

	require.NoError(t, d.OnConfigChanged(DispatcherConfigName, &DispatcherConfig{RecvRateLimit: 200, TokenBurst: 20, Limiter: LimiterToken}, nil))
	assert.Same(t, token, d.recvLimiter, "same kind reloads in place")

	require.NoError(t, d.OnConfigChanged(DispatcherConfigName, &DispatcherConfig{RecvRateLimit: 50, Limiter: LimiterFunnel}, nil))
	assert.IsType(t, &FunnelRecvLimiter{}, d.recvLimiter)
	assert.Equal(t, 50, d.Config().RecvRateLimit)

	require.NoError(t, d.OnConfigChanged(DispatcherConfigName, &DispatcherConfig{}, nil))
	assert.Nil(t, d.recvLimiter)
}

func TestRegDispatcherFilter(t *testing.T) {
	rec := &recorder{}
	d := newTestDispatcher(t, nil, rec.handler("ping"), rec.handler("drop"))

	var seen []string
	d.RegDispatcherFilter(nil)
	d.RegDispatcherFilter(func(dl *Delivery, f DispatcherFilterHandleFunc) error {
		seen = append(seen, dl.Message.Address)
		if dl.Message.Address == "/drop" {
			return nil
		}
		return f(dl)
	})

	require.NoError(t, d.Dispatch(context.Background(), delivery("/ping")))
	require.NoError(t, d.Dispatch(context.Background(), delivery("/drop")))
	assert.Equal(t, []string{"/ping", "/drop"}, seen)
	assert.Equal(t, []string{"ping"}, rec.names())
}

func TestDispatchLimiterHonoursContext(t *testing.T) {
	rec := &recorder{}
	d := newTestDispatcher(t, &DispatcherConfig{RecvRateLimit: 1, TokenBurst: 1}, rec.handler("ping"))

	require.NoError(t, d.Dispatch(context.Background(), delivery("/ping")))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, d.Dispatch(ctx, delivery("/ping")), context.Canceled)
	assert.Equal(t, []string{"ping"}, rec.names())
}

func TestNewDispatcherWithConfigManager(t *testing.T) {
	_, err := NewDispatcherWithConfigManager(nil, newTable(t))
	assert.Error(t, err)

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "dispatcher.yaml"), []byte(`
recvRateLimit: 100
tokenBurst: 10
limiter: funnel
addressFilter:
  blocked:
    - /secret
`), 0o644))

	cm := config.NewConfigManager()
	cm.SetBasePath(dir)
	defer cm.Close()

	rec := &recorder{}
	d, err := NewDispatcherWithConfigManager(cm, newTable(t, rec.handler("secret"), rec.handler("ping")))
	require.NoError(t, err)

	cfg := d.Config()
	assert.Equal(t, 100, cfg.RecvRateLimit)
	assert.Equal(t, LimiterFunnel, cfg.Limiter)
	assert.Equal(t, []string{"/secret"}, cfg.AddressFilter.Blocked)
	assert.IsType(t, &FunnelRecvLimiter{}, d.recvLimiter)

	require.NoError(t, d.Dispatch(context.Background(), delivery("/secret")))
	require.NoError(t, d.Dispatch(context.Background(), delivery("/ping")))
	assert.Equal(t, []string{"ping"}, rec.names())
}
