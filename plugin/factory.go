package plugin

// Factory builds and manages the instances of one kind of plugin.
//
// Setup, Destroy and Reload are called under the plugin lock and must not
// call back into this package.
type Factory interface {
	// Type returns the plugin type (e.g. "discovery").
	Type() Type

	// Name returns the factory name (e.g. "consul").
	Name() string

	// Setup builds an instance from its settings.
	Setup(v map[string]any) (Plugin, error)

	// Destroy releases an instance. The second parameter is reserved.
	Destroy(Plugin, any) error

	// Reload applies new settings in place, or errors to have the instance
	// destroyed and set up again.
	Reload(Plugin, map[string]any) error

	// CanDelete reports whether the instance may be replaced now.
	CanDelete(Plugin) bool
}

// _factoryMap holds registered factories keyed "<type>_<name>", guarded by
// _pluginLock.
var _factoryMap = make(map[string]Factory)
