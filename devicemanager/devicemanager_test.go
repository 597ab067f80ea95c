package devicemanager

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"io"
	"math/big"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/kdeconnect-go/kdeconnect/channel"
	"github.com/kdeconnect-go/kdeconnect/channelservice"
	"github.com/kdeconnect-go/kdeconnect/device"
	"github.com/kdeconnect-go/kdeconnect/packet"
	"github.com/kdeconnect-go/kdeconnect/plugin"
	"github.com/stretchr/testify/require"
)

func selfSigned(t *testing.T, cn string) *x509.Certificate {
	t.Helper()
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: cn},
		NotBefore:    time.Now(),
		NotAfter:     time.Now().Add(10 * 365 * 24 * time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &priv.PublicKey, priv)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return cert
}

// testTransport adapts a net.Conn half into a channel.Transport for tests.
type testTransport struct {
	net.Conn
	local, peer *x509.Certificate
	priority    int
}

func (t *testTransport) LocalCertificate() *x509.Certificate { return t.local }
func (t *testTransport) PeerCertificate() *x509.Certificate  { return t.peer }
func (t *testTransport) Priority() int                       { return t.priority }

func (t *testTransport) OpenPayload(ctx context.Context) (map[string]any, func(context.Context) (io.ReadWriteCloser, error), error) {
	return nil, nil, channel.ErrNotSupported
}

func (t *testTransport) DialPayload(ctx context.Context, info map[string]any) (io.ReadWriteCloser, error) {
	return nil, channel.ErrNotSupported
}

func newChannelPair(t *testing.T) (*channel.Channel, *channel.Channel) {
	t.Helper()
	a, b := net.Pipe()
	certA := selfSigned(t, "host-a")
	certB := selfSigned(t, "host-b")

	ta := &testTransport{Conn: a, local: certA, peer: certB, priority: 10}
	tb := &testTransport{Conn: b, local: certB, peer: certA, priority: 10}

	chA := channel.New(ta, packet.New(packet.TypeIdentity), nil)
	chB := channel.New(tb, packet.New(packet.TypeIdentity), nil)
	return chA, chB
}

// stubFactory is a channel.TransportFactory whose Start is never actually
// invoked in these tests; channels are handed to onChannel directly.
type stubFactory struct{ name string }

func (f *stubFactory) Name() string  { return f.name }
func (f *stubFactory) Priority() int { return 0 }
func (f *stubFactory) Identify(ctx context.Context, target string) error { return nil }
func (f *stubFactory) Start(ctx context.Context, onChannel func(channel.Transport)) error {
	<-ctx.Done()
	return nil
}

func newTestManager(t *testing.T) *DeviceManager {
	t.Helper()
	cfg := DefaultConfig()
	cfg.DataDir = t.TempDir()
	dm, err := New(cfg, nil)
	require.NoError(t, err)
	dm.loop = newControlLoop()
	t.Cleanup(func() { dm.loop.Stop() })
	return dm
}

// validID pads tag out to the 32-character minimum pkg/identity.ValidDeviceID
// requires, so test fixtures read as "peer-0" etc. while still passing
// admission's deviceId validation.
func validID(tag string) string {
	return tag + strings.Repeat("0", 32-len(tag))
}

func identityFor(deviceID string) *packet.Packet {
	p := packet.New(packet.TypeIdentity)
	p.SetString("deviceId", deviceID)
	return p
}

func TestCertificateBootstrapPersistsAcrossRestarts(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DataDir = t.TempDir()

	first, err := New(cfg, nil)
	require.NoError(t, err)

	second, err := New(cfg, nil)
	require.NoError(t, err)

	require.Equal(t, first.DeviceID(), second.DeviceID())
	require.Equal(t, first.DeviceID(), first.Certificate().Leaf.Subject.CommonName)
}

func TestAdmitChannelEnforcesUnpairedCap(t *testing.T) {
	dm := newTestManager(t)

	for i := 0; i < maxUnpairedDevices; i++ {
		id := validID(fmt.Sprintf("peer-%d", i))
		chA, chB := newChannelPair(t)
		t.Cleanup(func() { chB.Close() })

		ident := identityFor(id)
		chA.SetPeerIdentity(ident)
		dm.admitChannel(ident, chA)
	}
	require.Len(t, dm.Devices(), maxUnpairedDevices)

	chA, chB := newChannelPair(t)
	defer chB.Close()
	overflowID := validID("peer-overflow")
	overflow := identityFor(overflowID)
	chA.SetPeerIdentity(overflow)
	dm.admitChannel(overflow, chA)

	require.Len(t, dm.Devices(), maxUnpairedDevices)
	_, ok := dm.Device(overflowID)
	require.False(t, ok)
	require.Eventually(t, chA.Closed, time.Second, 10*time.Millisecond)
}

func TestAdmitChannelMissingDeviceIDDrops(t *testing.T) {
	dm := newTestManager(t)

	chA, chB := newChannelPair(t)
	defer chB.Close()

	dm.admitChannel(packet.New(packet.TypeIdentity), chA)

	require.Empty(t, dm.Devices())
	require.Eventually(t, chA.Closed, time.Second, 10*time.Millisecond)
}

func TestOnChannelDropsWhenFirstPacketIsNotIdentity(t *testing.T) {
	dm := newTestManager(t)
	svc := channelservice.New(&stubFactory{name: "test"}, channelservice.IdentityFields{DeviceID: "local"}, dm.loop.Dispatch, dm.onChannel, nil)

	chA, chB := newChannelPair(t)
	defer chB.Close()

	dm.onChannel(svc, chA)

	notIdentity := packet.New(packet.TypePair)
	notIdentity.SetBool("pair", true)
	require.NoError(t, chB.WritePacket(context.Background(), notIdentity))

	require.Eventually(t, chA.Closed, time.Second, 10*time.Millisecond)
	require.Empty(t, dm.Devices())
}

func TestOnChannelAdmitsWellFormedIdentity(t *testing.T) {
	dm := newTestManager(t)
	svc := channelservice.New(&stubFactory{name: "test"}, channelservice.IdentityFields{DeviceID: "local"}, dm.loop.Dispatch, dm.onChannel, nil)

	chA, chB := newChannelPair(t)
	defer chA.Close()
	defer chB.Close()

	dm.onChannel(svc, chA)

	goodID := validID("peer-good")
	require.NoError(t, chB.WritePacket(context.Background(), identityFor(goodID)))

	require.Eventually(t, func() bool {
		_, ok := dm.Device(goodID)
		return ok
	}, time.Second, 10*time.Millisecond)
}

func TestHandleDeviceStateChangedPersistsAndRemovesKnownPeer(t *testing.T) {
	dm := newTestManager(t)
	peerID := validID("peer-1")

	dm.devicesMu.Lock()
	dev := dm.newDeviceLocked(peerID)
	dm.devicesMu.Unlock()

	ident := identityFor(peerID)
	require.NoError(t, dev.LoadCachedIdentity(ident))

	dm.handleDeviceStateChanged(peerID, plugin.State{Connected: true, Paired: true})
	saved, ok := dm.peers.all()[peerID]
	require.True(t, ok)
	deviceID, _ := saved.GetString("deviceId")
	require.Equal(t, peerID, deviceID)

	dm.handleDeviceStateChanged(peerID, plugin.State{Connected: false, Paired: false})
	_, ok = dm.peers.all()[peerID]
	require.False(t, ok)
	_, ok = dm.Device(peerID)
	require.False(t, ok)
}

func TestSetDeviceNamePropagatesToServicesWithoutRebuildingChannels(t *testing.T) {
	dm := newTestManager(t)
	svc := channelservice.New(&stubFactory{name: "test"}, dm.identityFields(), dm.loop.Dispatch, dm.onChannel, nil)
	dm.services = []*channelservice.ChannelService{svc}

	dm.SetDeviceName("New Name")

	name, _ := svc.Identity().GetString("deviceName")
	require.Equal(t, "New Name", name)
}

func TestSetDeviceNameFallsBackToHostnameWhenEmpty(t *testing.T) {
	dm := newTestManager(t)
	dm.SetDeviceName("")
	require.NotEmpty(t, dm.deviceName)
}

func TestRegisterPluginDelegatesToEngine(t *testing.T) {
	dm := newTestManager(t)
	manifest := plugin.Manifest{Name: "battery"}
	var built *device.Device
	dm.RegisterPlugin(manifest, func(dev *device.Device) plugin.Plugin {
		built = dev
		return nil
	})

	require.Len(t, dm.engine.Manifests(), 1)

	dm.devicesMu.Lock()
	dev := dm.newDeviceLocked(validID("peer-battery"))
	dm.devicesMu.Unlock()

	_, err := dm.engine.Instantiate("battery", dev)
	require.NoError(t, err)
	require.Same(t, dev, built)
}
