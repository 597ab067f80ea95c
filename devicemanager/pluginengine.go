package devicemanager

import (
	"fmt"
	"sync"

	"github.com/kdeconnect-go/kdeconnect/device"
	"github.com/kdeconnect-go/kdeconnect/plugin"
)

// PluginFactory builds one Plugin instance for dev. Registered once per
// manifest name at manager construction time (spec §9: "global plugin
// engine ... init at manager start(), teardown at stop()").
type PluginFactory func(dev *device.Device) plugin.Plugin

// pluginEngine is the process-wide registry of known plugin manifests
// and factories; it implements device.PluginHost so every Device shares
// the same engine without depending on the devicemanager package.
type pluginEngine struct {
	mu        sync.RWMutex
	manifests []plugin.Manifest
	factories map[string]PluginFactory
}

func newPluginEngine() *pluginEngine {
	return &pluginEngine{factories: make(map[string]PluginFactory)}
}

// Register adds a plugin to the engine. Not safe to call concurrently
// with devices instantiating plugins; call during process setup, before
// DeviceManager.Start.
func (e *pluginEngine) Register(manifest plugin.Manifest, factory PluginFactory) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.manifests = append(e.manifests, manifest)
	e.factories[manifest.Name] = factory
}

func (e *pluginEngine) Manifests() []plugin.Manifest {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]plugin.Manifest, len(e.manifests))
	copy(out, e.manifests)
	return out
}

func (e *pluginEngine) Instantiate(name string, dev *device.Device) (plugin.Plugin, error) {
	e.mu.RLock()
	factory, ok := e.factories[name]
	e.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("devicemanager: no plugin factory registered for %q", name)
	}
	return factory(dev), nil
}
