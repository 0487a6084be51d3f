package net

import (
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/go-viper/mapstructure/v2"
)

const (
	TransportUDP        = "udp"
	TransportVirtual    = "virtual"
	TransportVirtualUDP = "virtual-udp"
)

// TransportFactory builds a transport from the loosely typed options found
// under a transport's section of a config file.
type TransportFactory interface {
	Name() string
	Setup(opts map[string]any) (Transport, error)
}

type factoryFunc struct {
	name  string
	setup func(map[string]any) (Transport, error)
}

func (f factoryFunc) Name() string { return f.name }

func (f factoryFunc) Setup(opts map[string]any) (Transport, error) { return f.setup(opts) }

// NewTransportFactory adapts a setup function.
func NewTransportFactory(name string, setup func(map[string]any) (Transport, error)) TransportFactory {
	return factoryFunc{name: name, setup: setup}
}

var (
	_factoryLock sync.RWMutex
	_factoryMap  = make(map[string]TransportFactory)
)

// RegisterTransport makes f available by name, replacing any factory of
// the same name.
func RegisterTransport(f TransportFactory) {
	_factoryLock.Lock()
	defer _factoryLock.Unlock()
	_factoryMap[f.Name()] = f
}

// LookupTransport returns the factory registered under name.
func LookupTransport(name string) (TransportFactory, bool) {
	_factoryLock.RLock()
	defer _factoryLock.RUnlock()
	f, ok := _factoryMap[name]
	return f, ok
}

// TransportNames lists the registered factories.
func TransportNames() []string {
	_factoryLock.RLock()
	defer _factoryLock.RUnlock()
	return slices.Sorted(maps.Keys(_factoryMap))
}

// NewTransport builds a transport with the factory registered under name.
func NewTransport(name string, opts map[string]any) (Transport, error) {
	f, ok := LookupTransport(name)
	if !ok {
		return nil, fmt.Errorf("transport factory %q not found, available factories: %v", name, TransportNames())
	}
	t, err := f.Setup(opts)
	if err != nil {
		return nil, fmt.Errorf("transport %s setup failed: %w", name, err)
	}
	return t, nil
}

func decodeOptions(opts map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		Result:           out,
	})
	if err != nil {
		return err
	}
	return dec.Decode(opts)
}

// VirtualTransportCfg holds the options of the virtual transports. The
// physical socket fields only apply to "virtual-udp".
type VirtualTransportCfg struct {
	UDPTransportCfg `mapstructure:",squash"`
	Envelope        string `mapstructure:"envelope"`
}

func (c *VirtualTransportCfg) options() ([]VirtualOption, error) {
	codec, err := NewEnvelopeCodec(c.Envelope)
	if err != nil {
		return nil, err
	}
	return []VirtualOption{WithEnvelopeCodec(codec), WithMaxPacketSize(c.MaxPacketSize)}, nil
}

func setupUDP(opts map[string]any) (Transport, error) {
	cfg := DefaultUDPTransportCfg()
	if err := decodeOptions(opts, cfg); err != nil {
		return nil, err
	}
	return NewUDPTransport(cfg)
}

func setupVirtual(opts map[string]any) (Transport, error) {
	cfg := &VirtualTransportCfg{UDPTransportCfg: *DefaultUDPTransportCfg()}
	if err := decodeOptions(opts, cfg); err != nil {
		return nil, err
	}
	vopts, err := cfg.options()
	if err != nil {
		return nil, err
	}
	hub := ProcessHub()
	return NewVirtualTransport(hub.Listen(), hub.Addr(), vopts...)
}

func setupVirtualUDP(opts map[string]any) (Transport, error) {
	cfg := &VirtualTransportCfg{UDPTransportCfg: *DefaultUDPTransportCfg()}
	if err := decodeOptions(opts, cfg); err != nil {
		return nil, err
	}
	vopts, err := cfg.options()
	if err != nil {
		return nil, err
	}
	u, err := NewUDPTransport(&cfg.UDPTransportCfg)
	if err != nil {
		return nil, err
	}
	t, err := NewVirtualTransport(u.PacketConn(), u.GroupAddr(), vopts...)
	if err != nil {
		_ = u.Close()
		return nil, err
	}
	return t, nil
}

func init() {
	RegisterTransport(NewTransportFactory(TransportUDP, setupUDP))
	RegisterTransport(NewTransportFactory(TransportVirtual, setupVirtual))
	RegisterTransport(NewTransportFactory(TransportVirtualUDP, setupVirtualUDP))
}
