package discovery

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/go-viper/mapstructure/v2"

	"github.com/lcx/oscroute/plugin"
)

const (
	FactoryStatic = "static"
	FactoryConsul = "consul"

	destroyTimeout = 3 * time.Second
)

type staticSettings struct {
	Services []Service `mapstructure:"services"`
}

type staticFactory struct{}

func (staticFactory) Type() plugin.Type { return plugin.Discovery }
func (staticFactory) Name() string      { return FactoryStatic }

func (staticFactory) Setup(v map[string]any) (plugin.Plugin, error) {
	var s staticSettings
	if err := decode(v, &s); err != nil {
		return nil, err
	}
	return NewStaticRegistry(s.Services...)
}

func (staticFactory) Destroy(plugin.Plugin, any) error { return nil }

// Reload replaces the whole service list, dropping runtime registrations.
func (staticFactory) Reload(p plugin.Plugin, v map[string]any) error {
	r, ok := p.(*StaticRegistry)
	if !ok {
		return fmt.Errorf("unexpected plugin %T", p)
	}
	var s staticSettings
	if err := decode(v, &s); err != nil {
		return err
	}
	return r.reset(s.Services)
}

func (staticFactory) CanDelete(plugin.Plugin) bool { return true }

type consulFactory struct{}

func (consulFactory) Type() plugin.Type { return plugin.Discovery }
func (consulFactory) Name() string      { return FactoryConsul }

func (consulFactory) Setup(v map[string]any) (plugin.Plugin, error) {
	var cfg ConsulCfg
	if err := decode(v, &cfg); err != nil {
		return nil, err
	}
	return NewConsulRegistry(cfg)
}

// Destroy takes back what the instance registered.
func (consulFactory) Destroy(p plugin.Plugin, _ any) error {
	r, ok := p.(*ConsulRegistry)
	if !ok {
		return fmt.Errorf("unexpected plugin %T", p)
	}
	ctx, cancel := context.WithTimeout(context.Background(), destroyTimeout)
	defer cancel()
	return r.DeregisterOwned(ctx)
}

// Reload keeps the instance only when the connection settings are unchanged.
func (consulFactory) Reload(p plugin.Plugin, v map[string]any) error {
	r, ok := p.(*ConsulRegistry)
	if !ok {
		return fmt.Errorf("unexpected plugin %T", p)
	}
	var cfg ConsulCfg
	if err := decode(v, &cfg); err != nil {
		return err
	}
	if !reflect.DeepEqual(cfg, r.cfg) {
		return errors.New("consul settings changed")
	}
	return nil
}

func (consulFactory) CanDelete(plugin.Plugin) bool { return true }

func decode(v map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		Result:           out,
	})
	if err != nil {
		return err
	}
	return dec.Decode(v)
}

// FromPlugin returns the registry built for factory and instance from the
// "plugin" configuration; instance "" selects the default.
func FromPlugin(factory, instance string) (Registry, error) {
	if instance == "" {
		instance = plugin.DefaultInsName
	}
	p, err := plugin.GetPlugin(string(plugin.Discovery), factory, instance)
	if err != nil {
		return nil, err
	}
	r, ok := p.(Registry)
	if !ok {
		return nil, fmt.Errorf("plugin %s/%s is %T, not a registry", factory, instance, p)
	}
	return r, nil
}

func init() {
	plugin.RegisterPlugin(staticFactory{})
	plugin.RegisterPlugin(consulFactory{})
}
