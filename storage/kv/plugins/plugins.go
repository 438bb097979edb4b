// Package plugins ties together the available kv drivers
// behind a name-indexed registry.
package plugins

import (
	"fmt"

	"github.com/jrife/viewsync/storage/kv"
	"github.com/jrife/viewsync/utils/uuid"
)

const (
	// DriverBBolt is the name of the durable bbolt driver
	DriverBBolt = "bbolt"
	// DriverMemory is the name of the in-memory driver
	DriverMemory = "memory"
)

var plugins = map[string]kv.Plugin{}

func init() {
	for _, plugin := range []kv.Plugin{&BBoltPlugin{}, &MemoryPlugin{}} {
		plugins[plugin.Name()] = plugin
	}
}

// Plugin retrieves the plugin with this name, or
// nil if no such plugin exists
func Plugin(name string) kv.Plugin {
	return plugins[name]
}

// Plugins returns all registered plugins
func Plugins() []kv.Plugin {
	all := make([]kv.Plugin, 0, len(plugins))

	for _, plugin := range plugins {
		all = append(all, plugin)
	}

	return all
}

var _ kv.Plugin = (*BBoltPlugin)(nil)

// BBoltPlugin is the factory for bbolt stores
type BBoltPlugin struct {
}

// Name implements Plugin.Name
func (plugin *BBoltPlugin) Name() string {
	return DriverBBolt
}

// NewStore implements Plugin.NewStore
func (plugin *BBoltPlugin) NewStore(options kv.PluginOptions) (kv.Store, error) {
	var config kv.BBoltStoreConfig

	if path, ok := options["path"]; !ok {
		return nil, fmt.Errorf("\"path\" is required")
	} else if pathString, ok := path.(string); !ok {
		return nil, fmt.Errorf("\"path\" must be a string")
	} else {
		config.Path = pathString
	}

	store, err := kv.NewBBoltStore(config)

	if err != nil {
		return nil, err
	}

	return store, nil
}

// NewTempStore implements Plugin.NewTempStore
func (plugin *BBoltPlugin) NewTempStore() (kv.Store, error) {
	return plugin.NewStore(kv.PluginOptions{
		"path": fmt.Sprintf("/tmp/bbolt-%s", uuid.MustUUID()),
	})
}

var _ kv.Plugin = (*MemoryPlugin)(nil)

// MemoryPlugin is the factory for in-memory stores
type MemoryPlugin struct {
}

// Name implements Plugin.Name
func (plugin *MemoryPlugin) Name() string {
	return DriverMemory
}

// NewStore implements Plugin.NewStore
func (plugin *MemoryPlugin) NewStore(options kv.PluginOptions) (kv.Store, error) {
	return kv.NewMemoryStore(), nil
}

// NewTempStore implements Plugin.NewTempStore
func (plugin *MemoryPlugin) NewTempStore() (kv.Store, error) {
	return kv.NewMemoryStore(), nil
}
