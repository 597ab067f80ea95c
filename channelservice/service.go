// Package channelservice implements the transport-agnostic factory of
// spec §4.3: it builds and refreshes the local identity packet and turns
// Transport connections into Channels, handing each to the device
// manager on the single control context.
package channelservice

import (
	"context"
	"fmt"
	"sync"

	"github.com/kdeconnect-go/kdeconnect/channel"
	"github.com/kdeconnect-go/kdeconnect/packet"
	"github.com/kdeconnect-go/kdeconnect/pkg/klog"
	"github.com/kdeconnect-go/kdeconnect/plugin"
)

// ProtocolVersion is the maximum protocol version this implementation
// supports (spec §3, §6).
const ProtocolVersion = 8

// IdentityFields is everything ChannelService needs to build an identity
// packet, supplied by the device manager and refreshed on demand.
type IdentityFields struct {
	DeviceID   string
	DeviceName string
	DeviceType string // "desktop"|"laptop"|"phone"|"tablet"|"tv"
}

// Dispatcher posts fn to run on the single control context (spec §5).
// DeviceManager supplies the real implementation; ChannelService never
// touches device/manager state except through a Dispatcher.
type Dispatcher func(fn func())

// identityBroadcaster is implemented by factories (TCPFactory, WSFactory)
// that need the raw wire bytes of the current identity pushed to them
// ahead of time, since Identify() itself takes no packet argument.
type identityBroadcaster interface {
	SetIdentityPayload(raw []byte)
}

// ChannelService builds channels from one TransportFactory and surfaces
// them to a Dispatcher-bound callback.
type ChannelService struct {
	log     *klog.Logger
	factory channel.TransportFactory

	fieldsMu sync.RWMutex
	fields   IdentityFields

	pluginsMu sync.RWMutex
	plugins   []plugin.Manifest

	identityMu sync.RWMutex
	identity   *packet.Packet

	dispatch Dispatcher
	onChannel func(*ChannelService, *channel.Channel)
}

// New constructs a ChannelService over factory. onChannel is invoked on
// the dispatcher's control context for every completed connection.
func New(factory channel.TransportFactory, fields IdentityFields, dispatch Dispatcher, onChannel func(*ChannelService, *channel.Channel), logger *klog.Logger) *ChannelService {
	if logger == nil {
		logger = klog.NewLogger(klog.LevelSilent, "")
	}
	svc := &ChannelService{
		log:       logger,
		factory:   factory,
		fields:    fields,
		dispatch:  dispatch,
		onChannel: onChannel,
	}
	svc.identity = svc.BuildIdentity()
	return svc
}

// Name returns the underlying factory's name, for logging/routing.
func (s *ChannelService) Name() string { return s.factory.Name() }

// SetPlugins replaces the set of loaded device-plugin manifests and
// rebuilds the identity packet, atomically, so readers always observe a
// complete prior snapshot until the rebuild completes (spec §3, §5).
func (s *ChannelService) SetPlugins(manifests []plugin.Manifest) {
	s.pluginsMu.Lock()
	s.plugins = manifests
	s.pluginsMu.Unlock()

	s.identityMu.Lock()
	s.identity = s.buildIdentityLocked()
	s.identityMu.Unlock()
}

// SetFields updates the deviceId/deviceName/deviceType used to build
// identities (e.g. after a display-name change) and rebuilds.
func (s *ChannelService) SetFields(fields IdentityFields) {
	s.fieldsMu.Lock()
	s.fields = fields
	s.fieldsMu.Unlock()

	s.identityMu.Lock()
	s.identity = s.buildIdentityLocked()
	s.identityMu.Unlock()
}

// Identity returns the current identity packet. The returned pointer
// must be treated as immutable by callers (it is replaced, not mutated,
// on rebuild).
func (s *ChannelService) Identity() *packet.Packet {
	s.identityMu.RLock()
	defer s.identityMu.RUnlock()
	return s.identity
}

// BuildIdentity rebuilds the local identity packet from the currently
// loaded plugin set, preserving the current deviceId and name (spec §4.3).
func (s *ChannelService) BuildIdentity() *packet.Packet {
	s.identityMu.Lock()
	defer s.identityMu.Unlock()
	s.identity = s.buildIdentityLocked()
	return s.identity
}

func (s *ChannelService) buildIdentityLocked() *packet.Packet {
	s.fieldsMu.RLock()
	fields := s.fields
	s.fieldsMu.RUnlock()

	s.pluginsMu.RLock()
	manifests := s.plugins
	s.pluginsMu.RUnlock()

	incoming := unionCapabilities(manifests, func(m plugin.Manifest) []string { return m.Incoming })
	outgoing := unionCapabilities(manifests, func(m plugin.Manifest) []string { return m.Outgoing })

	deviceType := fields.DeviceType
	if deviceType == "" {
		deviceType = "desktop"
	}

	p := packet.New(packet.TypeIdentity)
	p.SetString("deviceId", fields.DeviceID)
	p.SetString("deviceName", fields.DeviceName)
	p.SetString("deviceType", deviceType)
	p.SetInt("protocolVersion", ProtocolVersion)
	p.SetStringArray("incomingCapabilities", incoming)
	p.SetStringArray("outgoingCapabilities", outgoing)

	if b, ok := s.factory.(identityBroadcaster); ok {
		if raw, err := p.Marshal(); err == nil {
			b.SetIdentityPayload(raw)
		}
	}
	return p
}

func unionCapabilities(manifests []plugin.Manifest, pick func(plugin.Manifest) []string) []string {
	set := make(map[string]struct{})
	for _, m := range manifests {
		for _, cap := range pick(m) {
			set[cap] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for cap := range set {
		out = append(out, cap)
	}
	return out
}

// Identify broadcasts (target == "") or unicasts an identity
// announcement over the service's transport (spec §4.3).
func (s *ChannelService) Identify(ctx context.Context, target string) error {
	if err := s.factory.Identify(ctx, target); err != nil {
		return fmt.Errorf("channelservice %s: identify: %w", s.Name(), err)
	}
	return nil
}

// Start begins accepting connections from the factory. Every completed
// Transport is wrapped in a Channel carrying the current identity, and
// handed to onChannel on the dispatcher's control context — the factory
// itself may call back from any goroutine (spec §4.3's "thread affinity").
func (s *ChannelService) Start(ctx context.Context) error {
	return s.factory.Start(ctx, func(t channel.Transport) {
		ch := channel.New(t, s.Identity(), s.log)
		s.dispatch(func() {
			if s.onChannel != nil {
				s.onChannel(s, ch)
			}
		})
	})
}
