package channel

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/kdeconnect-go/kdeconnect/packet"
	"github.com/stretchr/testify/require"
)

func TestWriteThenReadRoundTrip(t *testing.T) {
	a, b := newMockPair(t)
	ca := New(a, packet.New(packet.TypeIdentity), nil)
	cb := New(b, packet.New(packet.TypeIdentity), nil)
	defer ca.Close()
	defer cb.Close()

	ctx := context.Background()
	p := packet.New("kdeconnect.mock.echo")
	p.SetString("msg", "hello")

	errCh := make(chan error, 1)
	go func() { errCh <- ca.WritePacket(ctx, p) }()

	got, err := cb.ReadPacket(ctx)
	require.NoError(t, err)
	require.NoError(t, <-errCh)

	msg, ok := got.GetString("msg")
	require.True(t, ok)
	require.Equal(t, "hello", msg)
	require.Greater(t, got.ID, int64(0)) // stamped at write time
}

func TestConcurrentWritesArentInterleaved(t *testing.T) {
	a, b := newMockPair(t)
	ca := New(a, packet.New(packet.TypeIdentity), nil)
	cb := New(b, packet.New(packet.TypeIdentity), nil)
	defer ca.Close()
	defer cb.Close()

	ctx := context.Background()
	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p := packet.New("kdeconnect.mock.counter")
			p.SetInt("i", int64(i))
			require.NoError(t, ca.WritePacket(ctx, p))
		}(i)
	}

	seen := make(map[int64]bool)
	for i := 0; i < n; i++ {
		p, err := cb.ReadPacket(ctx)
		require.NoError(t, err)
		v, ok := p.GetInt("i")
		require.True(t, ok)
		require.False(t, seen[v], "packet %d delivered twice or corrupted", v)
		seen[v] = true
	}
	wg.Wait()
}

func TestCloseFailsSubsequentWrites(t *testing.T) {
	a, b := newMockPair(t)
	ca := New(a, packet.New(packet.TypeIdentity), nil)
	_ = b

	require.NoError(t, ca.Close())

	err := ca.WritePacket(context.Background(), packet.New("kdeconnect.mock"))
	require.ErrorIs(t, err, ErrConnectionClosed)
}

func TestVerificationKeySymmetric(t *testing.T) {
	a, b := newMockPair(t)
	ca := New(a, packet.New(packet.TypeIdentity), nil)
	cb := New(b, packet.New(packet.TypeIdentity), nil)
	defer ca.Close()
	defer cb.Close()

	keyFromA, err := ca.VerificationKey(8, 1700000000)
	require.NoError(t, err)
	keyFromB, err := cb.VerificationKey(8, 1700000000)
	require.NoError(t, err)

	require.Equal(t, keyFromA, keyFromB)
	require.Len(t, keyFromA, 8)
	require.Equal(t, strings.ToUpper(keyFromA), keyFromA)
}

func TestReadFrameBoundaryAt8192(t *testing.T) {
	a, b := newMockPair(t)
	ca := New(a, packet.New(packet.TypeIdentity), nil)
	cb := New(b, packet.New(packet.TypeIdentity), nil)
	defer ca.Close()
	defer cb.Close()

	p := packet.New("kdeconnect.mock")
	p.SetString("pad", strings.Repeat("a", 8000))

	go func() { _ = ca.WritePacket(context.Background(), p) }()
	_, err := cb.ReadPacket(context.Background())
	require.NoError(t, err)
}

func TestReadFrameOverUntrustedBoundaryFails(t *testing.T) {
	a, b := newMockPair(t)
	ca := New(a, packet.New(packet.TypeIdentity), nil)
	cb := New(b, packet.New(packet.TypeIdentity), nil)
	defer ca.Close()
	defer cb.Close()

	p := packet.New("kdeconnect.mock")
	p.SetString("pad", strings.Repeat("a", 8200))

	go func() { _ = ca.WritePacket(context.Background(), p) }()
	_, err := cb.ReadPacket(context.Background())
	require.ErrorIs(t, err, ErrMessageTooLarge)
}

func TestTrustedChannelAllowsLargerPackets(t *testing.T) {
	a, b := newMockPair(t)
	ca := New(a, packet.New(packet.TypeIdentity), nil)
	cb := New(b, packet.New(packet.TypeIdentity), nil)
	ca.SetTrusted(true)
	cb.SetTrusted(true)
	defer ca.Close()
	defer cb.Close()

	p := packet.New("kdeconnect.mock")
	p.SetString("pad", strings.Repeat("a", 20000))

	go func() { _ = ca.WritePacket(context.Background(), p) }()
	_, err := cb.ReadPacket(context.Background())
	require.NoError(t, err)
}
