package app

import (
	"errors"
	"fmt"
	"time"

	"github.com/lcx/oscroute/config"
	"github.com/lcx/oscroute/net"
)

const (
	ConfigName = "oscapp"

	defaultPollInterval = 100 * time.Millisecond
)

// DiscoveryCfg selects the registry plugin instance an app resolves
// service names with and whether it advertises itself there.
type DiscoveryCfg struct {
	Factory   string `mapstructure:"factory"`
	Instance  string `mapstructure:"instance"`
	Advertise bool   `mapstructure:"advertise"`
}

// Config is the "oscapp" section.
type Config struct {
	Name         string        `mapstructure:"name"`
	Transport    string        `mapstructure:"transport"`
	Group        string        `mapstructure:"group"`
	Port         int           `mapstructure:"port"`
	Bind         string        `mapstructure:"bind"`
	SendPort     int           `mapstructure:"sendPort"`
	Envelope     string        `mapstructure:"envelope"`
	DeliveryMode string        `mapstructure:"deliveryMode"`
	PollInterval time.Duration `mapstructure:"pollInterval"`
	Discovery    DiscoveryCfg  `mapstructure:"discovery"`
}

// DefaultConfig is a virtual endpoint on the in-process hub that defers
// late messages.
func DefaultConfig() *Config {
	return &Config{
		Transport:    net.TransportVirtual,
		Group:        "239.0.0.1",
		Port:         5001,
		Envelope:     net.EnvelopeJSON,
		DeliveryMode: net.DeliveryQueue,
		PollInterval: defaultPollInterval,
	}
}

// GetName returns ConfigName.
func (c *Config) GetName() string {
	return ConfigName
}

// Validate checks the transport is registered and the ports, delivery mode
// and poll interval are usable.
func (c *Config) Validate() error {
	if c.Transport == "" {
		return errors.New("transport is empty")
	}
	if _, ok := net.LookupTransport(c.Transport); !ok {
		return fmt.Errorf("unknown transport %q, available: %v", c.Transport, net.TransportNames())
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port must be in [1, 65535]")
	}
	if c.SendPort < 0 || c.SendPort > 65535 {
		return fmt.Errorf("sendPort must be in [0, 65535]")
	}
	if !net.ValidDeliveryMode(c.DeliveryMode) {
		return fmt.Errorf("unknown delivery mode %q", c.DeliveryMode)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("pollInterval must be positive")
	}
	if c.Discovery.Advertise && c.Name == "" {
		return errors.New("advertising needs an app name")
	}
	return nil
}

// TransportOptions builds the factory options for transport. The envelope
// format only applies to the virtual transports.
func (c *Config) TransportOptions(transport string) map[string]any {
	opts := map[string]any{
		"group":    c.Group,
		"port":     c.Port,
		"bind":     c.Bind,
		"sendPort": c.SendPort,
	}
	if transport != net.TransportUDP {
		opts["envelope"] = c.Envelope
	}
	return opts
}

// LoadConfig reads the "oscapp" section over the defaults.
func LoadConfig(cm config.ConfigManager) (*Config, error) {
	if cm == nil {
		cm = config.GetInstance()
	}
	cfg := DefaultConfig()
	if err := cm.LoadConfig(ConfigName, cfg); err != nil {
		return nil, fmt.Errorf("load %s config failed: %w", ConfigName, err)
	}
	return cfg, nil
}
