// Package devicemanager implements the Device Manager of spec §4.6: the
// process-wide owner of the local certificate/deviceId, the configured
// channel-service extensions, the plugin engine, and the registry of
// known devices (both currently connected and persisted-but-offline).
package devicemanager

import (
	"context"
	"crypto/tls"
	"fmt"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kdeconnect-go/kdeconnect/channel"
	"github.com/kdeconnect-go/kdeconnect/channelservice"
	"github.com/kdeconnect-go/kdeconnect/device"
	"github.com/kdeconnect-go/kdeconnect/packet"
	"github.com/kdeconnect-go/kdeconnect/pkg/identity"
	"github.com/kdeconnect-go/kdeconnect/pkg/klog"
	"github.com/kdeconnect-go/kdeconnect/plugin"
)

// maxUnpairedDevices is the admission cap of spec §4.6/§8: "the count
// of devices with ¬Paired never exceeds 10".
const maxUnpairedDevices = 10

// identityReadTimeout bounds how long admission waits for a newly
// accepted channel's first (identity) packet before dropping it.
const identityReadTimeout = 10 * time.Second

// DeviceManager owns every Device this process knows about, the
// channel-service extensions that feed it new channels, and the
// process-wide plugin engine.
type DeviceManager struct {
	log     *klog.Logger
	dataDir string

	cert     tls.Certificate
	deviceID string

	fieldsMu   sync.RWMutex
	deviceName string
	deviceType string

	engine *pluginEngine
	peers  *knownPeers
	store  *filePairStore

	loop *controlLoop

	servicesMu sync.Mutex
	services   []*channelservice.ChannelService

	devicesMu sync.Mutex
	devices   map[string]*device.Device

	ctx    context.Context
	cancel context.CancelFunc
}

// New bootstraps (loading or generating) the local certificate and
// deviceId, the known-peers cache, and the plugin engine, per spec
// §4.6's start() contract. It does not yet start any channel service;
// call Start for that.
func New(cfg *Config, logger *klog.Logger) (*DeviceManager, error) {
	if logger == nil {
		logger = klog.NewLogger(klog.LevelSilent, "")
	}

	cert, deviceID, err := loadOrGenerateCertificate(cfg.DataDir)
	if err != nil {
		return nil, err
	}

	peers, err := loadKnownPeers(cfg.DataDir)
	if err != nil {
		return nil, err
	}

	name := cfg.DeviceName
	if name == "" {
		if host, err := os.Hostname(); err == nil {
			name = host
		}
	}

	return &DeviceManager{
		log:        logger,
		dataDir:    cfg.DataDir,
		cert:       cert,
		deviceID:   deviceID,
		deviceName: name,
		deviceType: cfg.DeviceType,
		engine:     newPluginEngine(),
		peers:      peers,
		store:      newFilePairStore(cfg.DataDir),
		devices:    make(map[string]*device.Device),
	}, nil
}

// DeviceID returns the local certificate common name (spec §4.6: "the
// common name *is* the local deviceId").
func (dm *DeviceManager) DeviceID() string { return dm.deviceID }

// Certificate returns the local TLS identity, for constructing
// transport factories.
func (dm *DeviceManager) Certificate() tls.Certificate { return dm.cert }

// RegisterPlugin adds a plugin to the process-wide engine (spec §9:
// plugin-load events are the sole source of enabled-set changes). Call
// before Start; the engine is read by every Device's capability-reload
// pass thereafter.
func (dm *DeviceManager) RegisterPlugin(manifest plugin.Manifest, factory PluginFactory) {
	dm.engine.Register(manifest, factory)
}

func (dm *DeviceManager) identityFields() channelservice.IdentityFields {
	dm.fieldsMu.RLock()
	defer dm.fieldsMu.RUnlock()
	return channelservice.IdentityFields{
		DeviceID:   dm.deviceID,
		DeviceName: dm.deviceName,
		DeviceType: dm.deviceType,
	}
}

// Start implements spec §4.6's start() contract: it instantiates a
// Device for every persisted known peer, then constructs and starts one
// ChannelService per enabled transport, wiring each one's channel edge to
// this manager's admission logic. The services keep running until Stop.
func (dm *DeviceManager) Start(ctx context.Context, factories map[string]channel.TransportFactory) error {
	dm.ctx, dm.cancel = context.WithCancel(ctx)
	dm.loop = newControlLoop()

	for deviceID, cachedIdentity := range dm.peers.all() {
		dm.devicesMu.Lock()
		dev := dm.newDeviceLocked(deviceID)
		dm.devicesMu.Unlock()
		if err := dev.LoadCachedIdentity(cachedIdentity); err != nil {
			dm.log.Errorf("devicemanager: load cached identity for %s: %v", deviceID, err)
		}
	}

	services := make([]*channelservice.ChannelService, 0, len(factories))
	for _, factory := range factories {
		services = append(services, channelservice.New(factory, dm.identityFields(), dm.loop.Dispatch, dm.onChannel, dm.log))
	}

	var g errgroup.Group
	for _, svc := range services {
		svc := svc
		g.Go(func() error {
			if err := svc.Start(dm.ctx); err != nil {
				return fmt.Errorf("start channel service %s: %w", svc.Name(), err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		dm.cancel()
		return fmt.Errorf("devicemanager: %w", err)
	}

	dm.servicesMu.Lock()
	dm.services = services
	dm.servicesMu.Unlock()
	return nil
}

// Stop implements spec §4.6's stop() contract: cancel outstanding work,
// drop all channel services and devices, persist state.
func (dm *DeviceManager) Stop() error {
	if dm.cancel != nil {
		dm.cancel()
	}
	if dm.loop != nil {
		dm.loop.Stop()
	}

	dm.servicesMu.Lock()
	dm.services = nil
	dm.servicesMu.Unlock()

	dm.devicesMu.Lock()
	dm.devices = make(map[string]*device.Device)
	dm.devicesMu.Unlock()

	return dm.peers.persist()
}

// Refresh implements spec §4.6's refresh(): call identify(nil) on every
// enabled service.
func (dm *DeviceManager) Refresh() {
	dm.servicesMu.Lock()
	services := append([]*channelservice.ChannelService(nil), dm.services...)
	dm.servicesMu.Unlock()

	for _, svc := range services {
		if err := svc.Identify(dm.ctx, ""); err != nil {
			dm.log.Errorf("devicemanager: refresh %s: %v", svc.Name(), err)
		}
	}
}

// SetDeviceName updates the configured display name (spec §4.6's
// "naming"): empty names fall back to the system hostname, and the
// change re-propagates to every channel service without forcing any
// channel to rebuild.
func (dm *DeviceManager) SetDeviceName(name string) {
	if name == "" {
		if host, err := os.Hostname(); err == nil {
			name = host
		}
	}

	dm.fieldsMu.Lock()
	dm.deviceName = name
	dm.fieldsMu.Unlock()

	fields := dm.identityFields()
	dm.servicesMu.Lock()
	services := append([]*channelservice.ChannelService(nil), dm.services...)
	dm.servicesMu.Unlock()
	for _, svc := range services {
		svc.SetFields(fields)
	}
}

// onChannel is registered as every ChannelService's onChannel callback.
// It runs on the control context (per ChannelService.Start's dispatch),
// so the suspending identity read is moved to a worker goroutine; only
// the resulting admission decision is posted back to the control
// context (spec §5: "reading the next packet" is a suspension point).
func (dm *DeviceManager) onChannel(svc *channelservice.ChannelService, ch *channel.Channel) {
	go func() {
		readCtx, cancel := context.WithTimeout(context.Background(), identityReadTimeout)
		defer cancel()

		identityPkt, err := ch.ReadPacket(readCtx)
		if err != nil || identityPkt.Type != packet.TypeIdentity {
			dm.log.Verbosef("devicemanager: %s: dropping channel: %v", svc.Name(), ErrNoIdentity)
			ch.Close()
			return
		}
		ch.SetPeerIdentity(identityPkt)

		dm.loop.Dispatch(func() {
			dm.admitChannel(identityPkt, ch)
		})
	}()
}

// admitChannel implements spec §4.6's admission rule. It runs on the
// control context.
func (dm *DeviceManager) admitChannel(identityPkt *packet.Packet, ch *channel.Channel) {
	deviceID, ok := identityPkt.GetString("deviceId")
	if !ok || !identity.ValidDeviceID(deviceID) {
		dm.log.Verbosef("devicemanager: dropping channel: %v", ErrNoIdentity)
		ch.Close()
		return
	}

	dm.devicesMu.Lock()
	dev, exists := dm.devices[deviceID]
	if !exists {
		if dm.unpairedCountLocked() >= maxUnpairedDevices {
			dm.devicesMu.Unlock()
			dm.log.Verbosef("devicemanager: dropping channel from %s: %v", deviceID, ErrUnpairedCapExceeded)
			ch.Close()
			return
		}
		dev = dm.newDeviceLocked(deviceID)
	}
	dm.devicesMu.Unlock()

	if err := dev.AddChannel(ch); err != nil {
		dm.log.Errorf("devicemanager: add channel for %s: %v", deviceID, err)
	}
}

// unpairedCountLocked counts currently known unpaired devices. Caller
// holds devicesMu.
func (dm *DeviceManager) unpairedCountLocked() int {
	count := 0
	for _, d := range dm.devices {
		if !d.IsPaired() {
			count++
		}
	}
	return count
}

// newDeviceLocked constructs and registers a Device for deviceID. Caller
// holds devicesMu.
func (dm *DeviceManager) newDeviceLocked(deviceID string) *device.Device {
	dev := device.New(
		device.Fields{DeviceID: deviceID, ProtocolVersion: channelservice.ProtocolVersion},
		dm.store,
		dm.engine,
		dm.loop.Dispatch,
		dm.log,
	)
	dev.AddListener(&deviceStateListener{dm: dm, deviceID: deviceID})
	dm.devices[deviceID] = dev
	return dev
}

// Device returns the Device known under deviceID, if any.
func (dm *DeviceManager) Device(deviceID string) (*device.Device, bool) {
	dm.devicesMu.Lock()
	defer dm.devicesMu.Unlock()
	dev, ok := dm.devices[deviceID]
	return dev, ok
}

// Devices returns a snapshot of every currently known device.
func (dm *DeviceManager) Devices() []*device.Device {
	dm.devicesMu.Lock()
	defer dm.devicesMu.Unlock()
	out := make([]*device.Device, 0, len(dm.devices))
	for _, d := range dm.devices {
		out = append(out, d)
	}
	return out
}

// deviceStateListener bridges a Device's plugin.StateListener
// notifications back to the manager's known-peers persistence rule,
// since State carries no deviceId of its own.
type deviceStateListener struct {
	dm       *DeviceManager
	deviceID string
}

func (l *deviceStateListener) DeviceStateChanged(state plugin.State) {
	l.dm.handleDeviceStateChanged(l.deviceID, state)
}

// handleDeviceStateChanged implements spec §4.6's persistence law: a
// device reaching (connected ∧ paired) writes its current identity to
// the known-peers file; one reaching (¬connected ∧ ¬paired) removes
// that entry and drops the device from the registry.
func (dm *DeviceManager) handleDeviceStateChanged(deviceID string, state plugin.State) {
	dm.devicesMu.Lock()
	dev, ok := dm.devices[deviceID]
	dm.devicesMu.Unlock()
	if !ok {
		return
	}

	switch {
	case state.Connected && state.Paired:
		id := dev.PeerIdentity()
		if id == nil {
			return
		}
		if err := dm.peers.save(deviceID, id); err != nil {
			dm.log.Errorf("devicemanager: persist known peer %s: %v", deviceID, err)
		}
	case !state.Connected && !state.Paired:
		if err := dm.peers.remove(deviceID); err != nil {
			dm.log.Errorf("devicemanager: remove known peer %s: %v", deviceID, err)
		}
		dm.devicesMu.Lock()
		delete(dm.devices, deviceID)
		dm.devicesMu.Unlock()
	}
}
