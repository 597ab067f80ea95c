package device

import "github.com/kdeconnect-go/kdeconnect/plugin"

// PluginHost is everything Device needs from the plugin engine (owned by
// the device manager, spec §4.6): the registry of known plugin
// manifests, and a factory that instantiates one Plugin per
// manifest/device pair. A Plugin instance is owned exclusively by the
// Device that instantiates it for its whole enabled lifetime (DESIGN.md's
// resolution of spec §9's cyclic-ownership note).
type PluginHost interface {
	// Manifests lists every plugin known to the engine, enabled or not.
	Manifests() []plugin.Manifest

	// Instantiate constructs a fresh Plugin for name, owned by dev. Called
	// the first time a device's capability intersection says name should
	// be enabled.
	Instantiate(name string, dev *Device) (plugin.Plugin, error)
}
