// Package plugin defines the interface external collaborators (telephony,
// file share, clipboard sync, ...) implement to participate in the core.
// Only the shapes named in spec §1/§4.5/§6 are specified here — no
// concrete plugin lives in this module.
package plugin

import "github.com/kdeconnect-go/kdeconnect/packet"

// Manifest is the capability/metadata surface a plugin declares once,
// independent of any device (spec §6's DevicePlugin* fields).
type Manifest struct {
	// Name identifies the plugin for action-map prefixing ("P.a", spec §4.5).
	Name string

	// Incoming and Outgoing are the packet types this plugin accepts/sends,
	// used for the capability-intersection enable rule of spec §4.5.
	Incoming []string
	Outgoing []string

	// Settings is an opaque settings-schema id (spec §6); the core never
	// interprets it.
	Settings string

	// Category is an opaque grouping tag (spec §6); the core never
	// interprets it.
	Category string
}

// IsPacketless reports whether this plugin declares neither incoming nor
// outgoing capabilities — such plugins are always enabled for every
// device (spec §4.5: "it declares neither (non-packet plugin)").
func (m Manifest) IsPacketless() bool {
	return len(m.Incoming) == 0 && len(m.Outgoing) == 0
}

// Action is one entry of a plugin's contribution to a device's
// aggregated action map (spec §4.5). Enabled reflects the plugin's own
// current state, independent of whether the owning device is paired.
type Action struct {
	Name    string
	Label   string
	Enabled bool
	Run     func() error
}

// Handler receives packets of the types it is registered for. Multiple
// handlers may be registered for the same type; Device dispatches to all
// of them in registration order (spec §4.5).
type Handler interface {
	HandlePacket(p *packet.Packet) error
}

// HandlerFunc adapts a plain function to Handler.
type HandlerFunc func(p *packet.Packet) error

func (f HandlerFunc) HandlePacket(p *packet.Packet) error { return f(p) }

// StateListener is notified when the owning device's externally visible
// state changes (Connected/Paired/PairIncoming/PairOutgoing, spec §7).
type StateListener interface {
	DeviceStateChanged(state State)
}

// State is the externally visible flag set of spec §7: "the state of
// each device is always expressible as a flag set".
type State struct {
	Connected    bool
	Paired       bool
	PairIncoming bool
	PairOutgoing bool
}

// Plugin is the full lifecycle contract a device plugin implements.
// Enable/Disable are called as the capability-intersection rule of
// spec §4.5 turns a plugin on or off for a specific device; Actions
// returns this plugin's current contribution to the aggregated action
// map, re-queried by the owner after every Enable/Disable.
type Plugin interface {
	Manifest() Manifest
	Enable() error
	Disable() error
	Actions() []Action
	Handler
}
