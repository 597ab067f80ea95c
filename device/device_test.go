package device

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"io"
	"math/big"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/kdeconnect-go/kdeconnect/channel"
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

// fakePairStore is an in-memory PairStore for tests.
type fakePairStore struct {
	mu    sync.Mutex
	certs map[string]*x509.Certificate
}

func newFakePairStore() *fakePairStore {
	return &fakePairStore{certs: make(map[string]*x509.Certificate)}
}

func (s *fakePairStore) SavePeerCertificate(deviceID string, cert *x509.Certificate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.certs[deviceID] = cert
	return nil
}

func (s *fakePairStore) DeletePeerCertificate(deviceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.certs, deviceID)
	return nil
}

func (s *fakePairStore) HasPeerCertificate(deviceID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.certs[deviceID]
	return ok
}

// recordingPlugin is a plugin.Plugin that counts lifecycle calls and
// records handled packets.
type recordingPlugin struct {
	manifest plugin.Manifest

	mu       sync.Mutex
	enabled  bool
	handled  []*packet.Packet
}

func (p *recordingPlugin) Manifest() plugin.Manifest { return p.manifest }

func (p *recordingPlugin) Enable() error {
	p.mu.Lock()
	p.enabled = true
	p.mu.Unlock()
	return nil
}

func (p *recordingPlugin) Disable() error {
	p.mu.Lock()
	p.enabled = false
	p.mu.Unlock()
	return nil
}

func (p *recordingPlugin) Actions() []plugin.Action { return nil }

func (p *recordingPlugin) HandlePacket(pkt *packet.Packet) error {
	p.mu.Lock()
	p.handled = append(p.handled, pkt)
	p.mu.Unlock()
	return nil
}

func (p *recordingPlugin) isEnabled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.enabled
}

// fakePluginHost is a PluginHost over a fixed manifest set, handing out
// one fresh *recordingPlugin per Instantiate call.
type fakePluginHost struct {
	manifests []plugin.Manifest

	mu        sync.Mutex
	instances map[string]*recordingPlugin
}

func newFakePluginHost(manifests ...plugin.Manifest) *fakePluginHost {
	return &fakePluginHost{manifests: manifests, instances: make(map[string]*recordingPlugin)}
}

func (h *fakePluginHost) Manifests() []plugin.Manifest { return h.manifests }

func (h *fakePluginHost) Instantiate(name string, dev *Device) (plugin.Plugin, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	p := &recordingPlugin{manifest: h.manifestFor(name)}
	h.instances[name] = p
	return p, nil
}

func (h *fakePluginHost) manifestFor(name string) plugin.Manifest {
	for _, m := range h.manifests {
		if m.Name == name {
			return m
		}
	}
	return plugin.Manifest{Name: name}
}

func (h *fakePluginHost) instance(name string) *recordingPlugin {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.instances[name]
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

func newChannelPair(t *testing.T, priority int) (*channel.Channel, *channel.Channel) {
	t.Helper()
	a, b := net.Pipe()
	certA := selfSigned(t, "device-a")
	certB := selfSigned(t, "device-b")

	ta := &testTransport{Conn: a, local: certA, peer: certB, priority: priority}
	tb := &testTransport{Conn: b, local: certB, peer: certA, priority: priority}

	localIdentity := packet.New(packet.TypeIdentity)
	localIdentity.SetString("deviceId", "local")

	chA := channel.New(ta, localIdentity, nil)
	chB := channel.New(tb, localIdentity, nil)
	return chA, chB
}

func newTestDevice(t *testing.T, pluginHost PluginHost) (*Device, *fakePairStore) {
	t.Helper()
	store := newFakePairStore()
	d := New(Fields{DeviceID: "peer-1", DeviceName: "Peer One", ProtocolVersion: protocolVersionV8}, store, pluginHost, nil, nil)
	return d, store
}

func TestNewDeviceLoadsPairedStateFromStore(t *testing.T) {
	store := newFakePairStore()
	cert := selfSigned(t, "peer-1")
	require.NoError(t, store.SavePeerCertificate("peer-1", cert))

	d := New(Fields{DeviceID: "peer-1"}, store, newFakePluginHost(), nil, nil)
	require.True(t, d.IsPaired())
	require.Equal(t, StatePaired, d.pairState)
}

func TestAddChannelBecomesCurrentAndReadLoopDispatches(t *testing.T) {
	manifest := plugin.Manifest{Name: "echo", Incoming: []string{"kdeconnect.ping"}, Outgoing: []string{"kdeconnect.ping"}}
	host := newFakePluginHost(manifest)
	d, store := newTestDevice(t, host)
	require.NoError(t, store.SavePeerCertificate("peer-1", selfSigned(t, "peer-1")))
	d.paired.Store(true)
	d.pairState = StatePaired

	chA, chB := newChannelPair(t, 10)
	defer chB.Close()

	peerIdentity := packet.New(packet.TypeIdentity)
	peerIdentity.SetString("deviceId", "peer-1")
	peerIdentity.SetStringArray("incomingCapabilities", []string{"kdeconnect.ping"})
	peerIdentity.SetStringArray("outgoingCapabilities", []string{"kdeconnect.ping"})
	chA.SetPeerIdentity(peerIdentity)

	require.NoError(t, d.AddChannel(chA))

	require.Eventually(t, func() bool {
		p := host.instance("echo")
		return p != nil && p.isEnabled()
	}, time.Second, 10*time.Millisecond)

	ping := packet.New("kdeconnect.ping")
	require.NoError(t, chB.WritePacket(context.Background(), ping))

	require.Eventually(t, func() bool {
		p := host.instance("echo")
		p.mu.Lock()
		defer p.mu.Unlock()
		return len(p.handled) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestSendPacketNotConnected(t *testing.T) {
	d, _ := newTestDevice(t, newFakePluginHost())
	// A pair packet bypasses the permission check, so with zero channels
	// attached this exercises the NotConnected branch specifically.
	err := d.SendPacket(context.Background(), packet.New(packet.TypePair))
	require.ErrorIs(t, err, ErrNotConnected)
}

func TestSendPacketPermissionDeniedWhenUnpaired(t *testing.T) {
	d, _ := newTestDevice(t, newFakePluginHost())
	chA, chB := newChannelPair(t, 10)
	defer chA.Close()
	defer chB.Close()
	require.NoError(t, d.AddChannel(chA))

	err := d.SendPacket(context.Background(), packet.New("kdeconnect.ping"))
	require.ErrorIs(t, err, ErrPermissionDenied)
}

func TestHandleIdentityRejectsDeviceIDMismatch(t *testing.T) {
	d, _ := newTestDevice(t, newFakePluginHost())
	other := packet.New(packet.TypeIdentity)
	other.SetString("deviceId", "someone-else")
	err := d.handleIdentity(other)
	require.ErrorIs(t, err, ErrDeviceIDMismatch)
}
