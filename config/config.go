// Package config loads named YAML configuration sections and pushes
// hot-reloaded values to registered listeners.
package config

// Config interface defines the basic configuration contract
type Config interface {
	GetName() string
	Validate() error
}

// ConfigChangeListener is notified after a watched configuration file has been
// reloaded and validated. Listeners filter on configName themselves.
type ConfigChangeListener interface {
	OnConfigChanged(configName string, newConfig, oldConfig Config) error
	GetConfigName() string
}
