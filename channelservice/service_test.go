package channelservice

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"testing"
	"time"

	"github.com/kdeconnect-go/kdeconnect/channel"
	"github.com/kdeconnect-go/kdeconnect/plugin"
	"github.com/stretchr/testify/require"
)

func selfSignedCert(t *testing.T, cn string) tls.Certificate {
	t.Helper()
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: cn},
		NotBefore:    time.Now(),
		NotAfter:     time.Now().Add(24 * time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &priv.PublicKey, priv)
	require.NoError(t, err)
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: priv}
}

func TestChannelServiceBuildIdentityUnionsCapabilities(t *testing.T) {
	factory := NewTCPFactory("127.0.0.1:0", "255.255.255.255:1716", selfSignedCert(t, "a"), nil)
	fields := IdentityFields{DeviceID: "test-device-000000000000000000", DeviceName: "Test", DeviceType: "desktop"}
	svc := New(factory, fields, func(fn func()) { fn() }, nil, nil)

	svc.SetPlugins([]plugin.Manifest{
		{Name: "battery", Incoming: []string{"kdeconnect.battery"}, Outgoing: []string{"kdeconnect.battery.request"}},
		{Name: "ping", Incoming: []string{"kdeconnect.ping"}, Outgoing: []string{"kdeconnect.ping"}},
	})

	id := svc.Identity()
	incoming, _ := id.GetStringArray("incomingCapabilities")
	require.ElementsMatch(t, []string{"kdeconnect.battery", "kdeconnect.ping"}, incoming)

	deviceID, _ := id.GetString("deviceId")
	require.Equal(t, "test-device-000000000000000000", deviceID)
}

func TestChannelServiceStartDispatchesThroughDispatcher(t *testing.T) {
	certServer := selfSignedCert(t, "server")
	certClient := selfSignedCert(t, "client")

	serverFactory := NewTCPFactory("127.0.0.1:0", "", certServer, nil)
	fields := IdentityFields{DeviceID: "server-device-0000000000000000", DeviceName: "Server", DeviceType: "desktop"}

	dispatchCalls := make(chan struct{}, 1)
	received := make(chan *channel.Channel, 1)
	svc := New(serverFactory, fields, func(fn func()) {
		dispatchCalls <- struct{}{}
		fn()
	}, func(s *ChannelService, ch *channel.Channel) {
		received <- ch
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, svc.Start(ctx))

	// Start binds the listener before returning, so Addr() is already
	// non-nil here; the poll only guards against a nil address.
	var addr string
	require.Eventually(t, func() bool {
		a := serverFactory.Addr()
		if a == nil {
			return false
		}
		addr = a.String()
		return true
	}, time.Second, time.Millisecond)

	clientFactory := NewTCPFactory("127.0.0.1:0", "", certClient, nil)
	ch, err := clientFactory.Dial(ctx, addr)
	require.NoError(t, err)
	defer ch.Close()

	select {
	case <-dispatchCalls:
	case <-time.After(time.Second):
		t.Fatal("dispatcher was never invoked")
	}

	select {
	case got := <-received:
		require.NotNil(t, got)
	case <-time.After(time.Second):
		t.Fatal("onChannel was never invoked")
	}
}
