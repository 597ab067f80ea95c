// Package device implements the Device of spec §4.5: one instance per
// known or discovered peer, owning its channel list, pairing state
// machine, and the aggregated action map its enabled plugins contribute.
package device

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kdeconnect-go/kdeconnect/channel"
	"github.com/kdeconnect-go/kdeconnect/packet"
	"github.com/kdeconnect-go/kdeconnect/pkg/identity"
	"github.com/kdeconnect-go/kdeconnect/pkg/klog"
	"github.com/kdeconnect-go/kdeconnect/plugin"
)

// Dispatcher posts fn to run on the single control context (spec §5),
// matching channelservice.Dispatcher's shape. Declared separately here
// so device has no import-time dependency on channelservice.
type Dispatcher func(fn func())

// Fields is everything identifying this device, mutable over its
// lifetime (a display name rename, e.g.).
type Fields struct {
	DeviceID        string
	DeviceName      string
	DeviceType      string
	ProtocolVersion int
}

// Device owns one peer's channel(s), pairing state, and plugin set.
type Device struct {
	log        *klog.Logger
	dispatch   Dispatcher
	pairStore  PairStore
	pluginHost PluginHost

	fieldsMu sync.RWMutex
	fields   Fields

	channelsMu sync.Mutex
	channels   []*deviceChannel

	peerIdentity atomic.Pointer[packet.Packet]

	paired atomic.Bool

	pairMu    sync.Mutex
	pairState PairState
	pairTimer *time.Timer

	pluginsMu sync.Mutex
	enabled   map[string]plugin.Plugin

	listenersMu sync.Mutex
	listeners   []plugin.StateListener

	connected atomic.Bool
}

type deviceChannel struct {
	ch       *channel.Channel
	cancel   context.CancelFunc
	priority int
}

// New constructs a Device. pairStore and pluginHost must not be nil;
// dispatch and logger may be nil (a synchronous dispatcher / silent
// logger are substituted).
func New(fields Fields, pairStore PairStore, pluginHost PluginHost, dispatch Dispatcher, logger *klog.Logger) *Device {
	if dispatch == nil {
		dispatch = func(fn func()) { fn() }
	}
	if logger == nil {
		logger = klog.NewLogger(klog.LevelSilent, "")
	}
	d := &Device{
		log:        logger,
		dispatch:   dispatch,
		pairStore:  pairStore,
		pluginHost: pluginHost,
		fields:     fields,
		enabled:    make(map[string]plugin.Plugin),
	}
	if pairStore.HasPeerCertificate(fields.DeviceID) {
		d.paired.Store(true)
		d.pairState = StatePaired
	}
	return d
}

// ID returns the deviceId this Device was constructed for.
func (d *Device) ID() string {
	d.fieldsMu.RLock()
	defer d.fieldsMu.RUnlock()
	return d.fields.DeviceID
}

// Fields returns a copy of the current identity fields.
func (d *Device) Fields() Fields {
	d.fieldsMu.RLock()
	defer d.fieldsMu.RUnlock()
	return d.fields
}

// SetDisplayName updates the cached display name (spec §4.6 naming);
// this does not itself touch any channel.
func (d *Device) SetDisplayName(name string) {
	d.fieldsMu.Lock()
	d.fields.DeviceName = name
	d.fieldsMu.Unlock()
}

// IsPaired reports the current pairing flag.
func (d *Device) IsPaired() bool { return d.paired.Load() }

// AddListener registers a plugin.StateListener for future state changes.
func (d *Device) AddListener(l plugin.StateListener) {
	d.listenersMu.Lock()
	d.listeners = append(d.listeners, l)
	d.listenersMu.Unlock()
}

// State returns the externally visible flag set (spec §7).
func (d *Device) State() plugin.State {
	d.pairMu.Lock()
	st := d.pairState
	d.pairMu.Unlock()
	return plugin.State{
		Connected:    d.connected.Load(),
		Paired:       d.paired.Load(),
		PairIncoming: st == StateIncoming,
		PairOutgoing: st == StateOutgoing,
	}
}

func (d *Device) notifyStateChanged() {
	st := d.State()
	d.listenersMu.Lock()
	listeners := append([]plugin.StateListener(nil), d.listeners...)
	d.listenersMu.Unlock()
	for _, l := range listeners {
		l.DeviceStateChanged(st)
	}
}

// AddChannel attaches c to this device's channel list (spec §4.5): it is
// inserted in priority order, its peer identity is ingested, a read loop
// is started, and if it becomes the current channel plugin state and
// listeners are refreshed.
func (d *Device) AddChannel(c *channel.Channel) error {
	if id := c.PeerIdentity(); id != nil {
		if err := d.handleIdentity(id); err != nil {
			c.Close()
			return err
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	dc := &deviceChannel{ch: c, cancel: cancel, priority: c.Transport().Priority()}

	d.channelsMu.Lock()
	d.channels = append(d.channels, dc)
	sort.SliceStable(d.channels, func(i, j int) bool { return d.channels[i].priority > d.channels[j].priority })
	becameCurrent := d.channels[0] == dc
	d.channelsMu.Unlock()

	d.connected.Store(true)
	go d.readLoop(ctx, dc)

	if becameCurrent {
		d.reloadPlugins()
		d.notifyStateChanged()
	}
	return nil
}

func (d *Device) removeChannel(dc *deviceChannel) {
	d.channelsMu.Lock()
	wasCurrent := len(d.channels) > 0 && d.channels[0] == dc
	for i, c := range d.channels {
		if c == dc {
			d.channels = append(d.channels[:i], d.channels[i+1:]...)
			break
		}
	}
	empty := len(d.channels) == 0
	d.channelsMu.Unlock()

	dc.cancel()
	if empty {
		d.connected.Store(false)
	}
	if wasCurrent {
		d.reloadPlugins()
		d.notifyStateChanged()
	}
}

// CurrentChannel returns the highest-priority attached channel.
// Implements transfer.ChannelProvider.
func (d *Device) CurrentChannel() (*channel.Channel, error) {
	d.channelsMu.Lock()
	defer d.channelsMu.Unlock()
	if len(d.channels) == 0 {
		return nil, ErrNotConnected
	}
	return d.channels[0].ch, nil
}

func (d *Device) readLoop(ctx context.Context, dc *deviceChannel) {
	for {
		p, err := dc.ch.ReadPacket(ctx)
		if err != nil {
			d.log.Verbosef("device %s: channel closed: %v", d.ID(), err)
			d.removeChannel(dc)
			return
		}
		d.dispatch(func() {
			d.handlePacket(dc, p)
		})
	}
}

// handleIdentity ingests a peer's identity packet (spec §4.5): it
// validates the deviceId, then merges display name/capabilities and
// triggers a plugin reload pass.
func (d *Device) handleIdentity(p *packet.Packet) error {
	peerID, _ := p.GetString("deviceId")
	d.fieldsMu.RLock()
	expected := d.fields.DeviceID
	d.fieldsMu.RUnlock()
	if expected != "" && peerID != expected {
		return fmt.Errorf("%w: got %q want %q", ErrDeviceIDMismatch, peerID, expected)
	}
	if name, ok := p.GetString("deviceName"); ok {
		d.fieldsMu.Lock()
		d.fields.DeviceName = identity.SanitizeOrFallback(name, d.fields.DeviceID)
		d.fieldsMu.Unlock()
	}
	d.peerIdentity.Store(p)
	d.reloadPlugins()
	return nil
}

// PeerIdentity returns the most recently ingested peer identity, if any.
func (d *Device) PeerIdentity() *packet.Packet {
	return d.peerIdentity.Load()
}

// LoadCachedIdentity seeds a newly constructed Device with a previously
// persisted identity packet (spec §4.6: known peers are reinstantiated
// from the devices.json cache at manager start, before any channel
// exists for them). Runs the same validation and plugin-reload path as
// an identity received live on a channel.
func (d *Device) LoadCachedIdentity(p *packet.Packet) error {
	return d.handleIdentity(p)
}

// reloadPlugins applies the capability-intersection enable rule of spec
// §4.5 against the current peer identity.
func (d *Device) reloadPlugins() {
	peer := d.peerIdentity.Load()
	peerIncoming, peerOutgoing := map[string]struct{}{}, map[string]struct{}{}
	if peer != nil {
		if vals, ok := peer.GetStringArray("incomingCapabilities"); ok {
			peerIncoming = toSet(vals)
		}
		if vals, ok := peer.GetStringArray("outgoingCapabilities"); ok {
			peerOutgoing = toSet(vals)
		}
	}

	d.pluginsMu.Lock()
	defer d.pluginsMu.Unlock()

	for _, m := range d.pluginHost.Manifests() {
		want := m.IsPacketless() || intersects(m.Incoming, peerOutgoing) || intersects(m.Outgoing, peerIncoming)
		_, have := d.enabled[m.Name]
		switch {
		case want && !have:
			p, err := d.pluginHost.Instantiate(m.Name, d)
			if err != nil {
				d.log.Errorf("device %s: instantiate plugin %s: %v", d.ID(), m.Name, err)
				continue
			}
			if err := p.Enable(); err != nil {
				d.log.Errorf("device %s: enable plugin %s: %v", d.ID(), m.Name, err)
				continue
			}
			d.enabled[m.Name] = p
		case !want && have:
			p := d.enabled[m.Name]
			delete(d.enabled, m.Name)
			if err := p.Disable(); err != nil {
				d.log.Errorf("device %s: disable plugin %s: %v", d.ID(), m.Name, err)
			}
		}
	}
}

func toSet(vals []string) map[string]struct{} {
	s := make(map[string]struct{}, len(vals))
	for _, v := range vals {
		s[v] = struct{}{}
	}
	return s
}

func intersects(vals []string, set map[string]struct{}) bool {
	for _, v := range vals {
		if _, ok := set[v]; ok {
			return true
		}
	}
	return false
}

// handlePacket implements the dispatch rules of spec §4.5.
func (d *Device) handlePacket(dc *deviceChannel, p *packet.Packet) {
	if p.Type == packet.TypePair {
		d.handlePairPacket(dc, p)
		return
	}

	if !d.paired.Load() {
		d.log.Verbosef("device %s: rejecting %s: not paired", d.ID(), p.Type)
		reject := packet.New(packet.TypePair)
		reject.SetBool("pair", false)
		_ = dc.ch.WritePacket(context.Background(), reject)
		return
	}

	d.pluginsMu.Lock()
	var handlers []plugin.Plugin
	for _, m := range d.pluginHost.Manifests() {
		if !containsString(m.Incoming, p.Type) {
			continue
		}
		if h, ok := d.enabled[m.Name]; ok {
			handlers = append(handlers, h)
		}
	}
	d.pluginsMu.Unlock()

	if len(handlers) == 0 {
		d.log.Verbosef("device %s: unsupported packet type %s", d.ID(), p.Type)
		return
	}
	for _, h := range handlers {
		if err := h.HandlePacket(p); err != nil {
			d.log.Errorf("device %s: handler error for %s: %v", d.ID(), p.Type, err)
		}
	}
}

func containsString(vals []string, s string) bool {
	for _, v := range vals {
		if v == s {
			return true
		}
	}
	return false
}

// SendPacket implements spec §4.5's send rules: NotConnected if no
// channel is current, PermissionDenied if unpaired (pair packets
// excepted), and a single retry on a different channel if the current
// one fails.
func (d *Device) SendPacket(ctx context.Context, p *packet.Packet) error {
	if p.Type != packet.TypePair && !d.paired.Load() {
		return ErrPermissionDenied
	}

	d.channelsMu.Lock()
	chans := append([]*deviceChannel(nil), d.channels...)
	d.channelsMu.Unlock()
	if len(chans) == 0 {
		return ErrNotConnected
	}

	err := chans[0].ch.WritePacket(ctx, p)
	if err == nil {
		return nil
	}
	d.removeChannel(chans[0])

	if len(chans) > 1 {
		return chans[1].ch.WritePacket(ctx, p)
	}
	return err
}

// Actions returns the aggregated action map of spec §4.5: every enabled
// plugin's actions, prefixed "Name.action", plus the always-present
// pair/unpair built-ins.
func (d *Device) Actions() []plugin.Action {
	actions := []plugin.Action{
		{Name: "pair", Label: "Pair", Enabled: !d.paired.Load(), Run: func() error { return d.Pair(context.Background(), 0) }},
		{Name: "unpair", Label: "Unpair", Enabled: d.paired.Load(), Run: func() error { return d.Unpair(context.Background()) }},
	}

	d.pluginsMu.Lock()
	defer d.pluginsMu.Unlock()
	for name, p := range d.enabled {
		for _, a := range p.Actions() {
			a.Name = name + "." + a.Name
			actions = append(actions, a)
		}
	}
	return actions
}
