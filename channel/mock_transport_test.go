package channel

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
	"testing"
	"time"
)

// mockTransport implements Transport directly over an in-memory net.Pipe,
// the same style valent-mock-channel.c uses for the original test suite:
// a loopback pair standing in for a real LAN/Bluetooth connection.
type mockTransport struct {
	io.Reader
	io.Writer
	closer io.Closer
	local  *x509.Certificate
	peer   *x509.Certificate
}

func (m *mockTransport) Close() error                       { return m.closer.Close() }
func (m *mockTransport) LocalCertificate() *x509.Certificate { return m.local }
func (m *mockTransport) PeerCertificate() *x509.Certificate  { return m.peer }
func (m *mockTransport) Priority() int                       { return 0 }

func (m *mockTransport) OpenPayload(ctx context.Context) (map[string]any, func(context.Context) (io.ReadWriteCloser, error), error) {
	return nil, nil, ErrNotSupported
}

func (m *mockTransport) DialPayload(ctx context.Context, info map[string]any) (io.ReadWriteCloser, error) {
	return nil, ErrNotSupported
}

// newMockPair returns two Transports wired together over net.Pipe, with
// distinct self-signed certificates for verification-key testing.
func newMockPair(t *testing.T) (a, b Transport) {
	t.Helper()
	c1 := c1pipe()
	certA := selfSigned(t, "device-a")
	certB := selfSigned(t, "device-b")
	return &mockTransport{Reader: c1.a, Writer: c1.a, closer: c1.a, local: certA, peer: certB},
		&mockTransport{Reader: c1.b, Writer: c1.b, closer: c1.b, local: certB, peer: certA}
}

type pipePair struct{ a, b net.Conn }

func c1pipe() pipePair {
	a, b := net.Pipe()
	return pipePair{a, b}
}

func selfSigned(t *testing.T, cn string) *x509.Certificate {
	t.Helper()
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: cn},
		NotBefore:    time.Now(),
		NotAfter:     time.Now().Add(10 * 365 * 24 * time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &priv.PublicKey, priv)
	if err != nil {
		t.Fatal(err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatal(err)
	}
	return cert
}
