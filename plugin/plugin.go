// Package plugin builds named instances of pluggable components from the
// "plugin" configuration section and keeps them in step with reloads.
//
//	plugin:
//	  discovery:
//	    consul_main:
//	      address: http://127.0.0.1:8500
//	    static:
//	      tag: local
//	      services: [...]
//
// Keys under a type are "<factory>[_<suffix>]"; the optional "tag" entry
// names the instance and defaults to "default".
package plugin

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"

	"github.com/hashicorp/go-multierror"

	"github.com/lcx/oscroute/config"
	"github.com/lcx/oscroute/log"
)

// Type is a category of plugins.
type Type string

const (
	// Discovery plugins resolve service names to transport addresses.
	Discovery Type = "discovery"
)

const (
	ConfigName     = "plugin"
	DefaultInsName = "default"
	tagKey         = "tag"
)

// PluginConfig maps type -> factory entry -> instance settings.
type PluginConfig map[string]map[string]map[string]any

// GetName returns the plugin config name.
func (c *PluginConfig) GetName() string {
	return ConfigName
}

// Validate checks the config is not empty and every type lists factories
// with instance settings.
func (c *PluginConfig) Validate() error {
	if c == nil || len(*c) == 0 {
		return fmt.Errorf("plugin config is empty")
	}
	for pluginType, factories := range *c {
		if len(factories) == 0 {
			return fmt.Errorf("plugin type %s has no factory config", pluginType)
		}
		for factoryName, instances := range factories {
			if instances == nil {
				return fmt.Errorf("plugin %s_%s has no instance config", pluginType, factoryName)
			}
		}
	}
	return nil
}

// Plugin is an instance built by a Factory.
type Plugin interface { //nolint:revive
	FactoryName() string
}

type instance struct {
	ft, fn, pn string
	ins        Plugin
}

type pluginMgr struct {
	insMap map[string]map[string]map[string]Plugin
}

var (
	_pluginLock sync.RWMutex
	_pluginMgr  = &pluginMgr{insMap: make(map[string]map[string]map[string]Plugin)}
)

// RegisterPlugin makes a factory available, replacing one with the same
// type and name. Call it from init.
func RegisterPlugin(f Factory) {
	_pluginLock.Lock()
	defer _pluginLock.Unlock()
	_factoryMap[factoryKey(string(f.Type()), f.Name())] = f
}

func factoryKey(ft, fn string) string {
	return ft + "_" + fn
}

// InitPlugins loads the "plugin" section from cm (the process ConfigManager
// when nil), builds every instance and follows later reloads. A failure
// destroys whatever was already built.
func InitPlugins(cm config.ConfigManager) error {
	if cm == nil {
		cm = config.GetInstance()
	}

	var cfg PluginConfig
	if err := cm.LoadConfig(ConfigName, &cfg); err != nil {
		return fmt.Errorf("load plugin config failed: %w", err)
	}

	_pluginLock.Lock()
	built, err := setupAllLocked(cfg, nil)
	if err != nil {
		_pluginLock.Unlock()
		return err
	}
	for _, p := range built {
		_pluginMgr.putLocked(p)
	}
	_pluginLock.Unlock()

	cm.AddChangeListener(_pluginMgr)
	log.Info().Int("count", len(built)).Msg("InitPlugins success")
	return nil
}

// setupAllLocked builds every instance of cfg except those in skip,
// destroying the partial result on error.
func setupAllLocked(cfg PluginConfig, skip map[string]bool) ([]instance, error) {
	var built []instance
	for _, ft := range slices.Sorted(maps.Keys(cfg)) {
		entries := cfg[ft]
		haveDefault := make(map[string]bool)
		for _, k := range slices.Sorted(maps.Keys(entries)) {
			c := entries[k]
			fn, pn := getFactoryName(k), getPluginNameFromCfg(c)
			if pn == DefaultInsName {
				if haveDefault[fn] {
					rollbackLocked(built)
					return nil, fmt.Errorf("plugin [%s/%s] default instance already exists", ft, fn)
				}
				haveDefault[fn] = true
			}
			if skip[insKey(ft, fn, pn)] {
				continue
			}

			f := _factoryMap[factoryKey(ft, fn)]
			if f == nil {
				rollbackLocked(built)
				return nil, fmt.Errorf("plugin factory [%s/%s] not found, available factories: %v",
					ft, fn, listAvailableFactoriesLocked(ft))
			}

			log.Info().Str("type", ft).Str("name", fn).Str("instance", pn).Msg("plugin setup begin")
			ins, err := f.Setup(settings(c))
			if err != nil {
				rollbackLocked(built)
				return nil, fmt.Errorf("plugin [%s/%s] setup failed: %w", ft, fn, err)
			}
			built = append(built, instance{ft: ft, fn: fn, pn: pn, ins: ins})
		}
	}
	return built, nil
}

// OnConfigChanged reloads instances in place where their factory allows it
// and recreates the rest. Nothing changes when any instance is busy.
func (pm *pluginMgr) OnConfigChanged(configName string, newConfig, _ config.Config) error {
	if configName != ConfigName {
		return nil
	}
	cfg, ok := newConfig.(*PluginConfig)
	if !ok {
		return fmt.Errorf("invalid config type: expected *PluginConfig, got %T", newConfig)
	}

	_pluginLock.Lock()
	defer _pluginLock.Unlock()

	for _, p := range pm.listLocked() {
		if f := _factoryMap[factoryKey(p.ft, p.fn)]; f != nil && !f.CanDelete(p.ins) {
			return fmt.Errorf("plugin [%s/%s/%s] cannot be replaced while busy", p.ft, p.fn, p.pn)
		}
	}

	wanted := make(map[string]map[string]any)
	for ft, entries := range *cfg {
		for k, c := range entries {
			wanted[insKey(ft, getFactoryName(k), getPluginNameFromCfg(c))] = c
		}
	}

	reloaded := make(map[string]bool)
	var stale []instance
	for _, p := range pm.listLocked() {
		key := insKey(p.ft, p.fn, p.pn)
		f := _factoryMap[factoryKey(p.ft, p.fn)]
		if c, keep := wanted[key]; keep && f != nil {
			err := f.Reload(p.ins, settings(c))
			if err == nil {
				log.Info().Str("instance", key).Msg("plugin reloaded in place")
				reloaded[key] = true
				continue
			}
			log.Warn().Err(err).Str("instance", key).Msg("plugin reload failed, recreating")
		}
		stale = append(stale, p)
	}

	built, err := setupAllLocked(*cfg, reloaded)
	if err != nil {
		return err
	}

	for _, p := range stale {
		pm.deleteLocked(p)
		_ = destroyLocked(p)
	}
	for _, p := range built {
		pm.putLocked(p)
	}

	log.Info().Int("reloaded", len(reloaded)).Int("recreated", len(built)).
		Int("removed", len(stale)).Msg("plugins hot reload completed")
	return nil
}

// GetConfigName returns the config the manager listens to.
func (pm *pluginMgr) GetConfigName() string {
	return ConfigName
}

func (pm *pluginMgr) putLocked(p instance) {
	if pm.insMap[p.ft] == nil {
		pm.insMap[p.ft] = make(map[string]map[string]Plugin)
	}
	if pm.insMap[p.ft][p.fn] == nil {
		pm.insMap[p.ft][p.fn] = make(map[string]Plugin)
	}
	pm.insMap[p.ft][p.fn][p.pn] = p.ins
}

func (pm *pluginMgr) deleteLocked(p instance) {
	delete(pm.insMap[p.ft][p.fn], p.pn)
	if len(pm.insMap[p.ft][p.fn]) == 0 {
		delete(pm.insMap[p.ft], p.fn)
	}
	if len(pm.insMap[p.ft]) == 0 {
		delete(pm.insMap, p.ft)
	}
}

func (pm *pluginMgr) listLocked() []instance {
	var out []instance
	for ft, factories := range pm.insMap {
		for fn, instances := range factories {
			for pn, ins := range instances {
				out = append(out, instance{ft: ft, fn: fn, pn: pn, ins: ins})
			}
		}
	}
	return out
}

func insKey(ft, fn, pn string) string {
	return ft + "/" + fn + "/" + pn
}

// getPluginNameFromCfg reads the instance tag.
func getPluginNameFromCfg(c map[string]any) string {
	if tag, ok := c[tagKey].(string); ok && tag != "" {
		return tag
	}
	return DefaultInsName
}

// settings drops the keys consumed here before a factory sees c.
func settings(c map[string]any) map[string]any {
	out := maps.Clone(c)
	if out == nil {
		out = make(map[string]any)
	}
	delete(out, tagKey)
	return out
}

func getFactoryName(key string) string {
	return strings.Split(key, "_")[0]
}

// GetPlugin returns the instance pn of factory fn of type ft.
func GetPlugin(ft, fn, pn string) (Plugin, error) {
	_pluginLock.RLock()
	defer _pluginLock.RUnlock()

	typeMap, ok := _pluginMgr.insMap[ft]
	if !ok {
		return nil, fmt.Errorf("plugin type [%s] not registered", ft)
	}
	factoryMap, ok := typeMap[fn]
	if !ok {
		return nil, fmt.Errorf("plugin factory [%s/%s] not found", ft, fn)
	}
	ins, ok := factoryMap[pn]
	if !ok {
		return nil, fmt.Errorf("plugin instance [%s/%s/%s] not found", ft, fn, pn)
	}
	return ins, nil
}

// GetDefaultPlugin returns the "default" instance of factory fn.
func GetDefaultPlugin(ft, fn string) (Plugin, error) {
	return GetPlugin(ft, fn, DefaultInsName)
}

// ListPlugins reports instance names per "type/factory".
func ListPlugins() map[string][]string {
	_pluginLock.RLock()
	defer _pluginLock.RUnlock()

	result := make(map[string][]string)
	for _, p := range _pluginMgr.listLocked() {
		key := p.ft + "/" + p.fn
		result[key] = append(result[key], p.pn)
	}
	for _, names := range result {
		slices.Sort(names)
	}
	return result
}

// DestroyPlugins tears every instance down and forgets it.
func DestroyPlugins() error {
	_pluginLock.Lock()
	defer _pluginLock.Unlock()

	var errs *multierror.Error
	for _, p := range _pluginMgr.listLocked() {
		_pluginMgr.deleteLocked(p)
		if err := destroyLocked(p); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs.ErrorOrNil()
}

func destroyLocked(p instance) error {
	f := _factoryMap[factoryKey(p.ft, p.fn)]
	if f == nil {
		return nil
	}
	if err := f.Destroy(p.ins, nil); err != nil {
		log.Error().Err(err).Str("type", p.ft).Str("factory", p.fn).Str("instance", p.pn).Msg("destroy plugin failed")
		return fmt.Errorf("destroy %s: %w", insKey(p.ft, p.fn, p.pn), err)
	}
	return nil
}

func rollbackLocked(built []instance) {
	if len(built) == 0 {
		return
	}
	log.Warn().Int("count", len(built)).Msg("rolling back initialized plugins")
	for i := len(built) - 1; i >= 0; i-- {
		_ = destroyLocked(built[i])
	}
}

func listAvailableFactoriesLocked(ft string) []string {
	var factories []string
	for key := range _factoryMap {
		if name, ok := strings.CutPrefix(key, ft+"_"); ok {
			factories = append(factories, name)
		}
	}
	slices.Sort(factories)
	return factories
}
