package connlimiter

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAllowBurstThenThrottles(t *testing.T) {
	l := &Limiter{}
	fakeNow := time.Now()
	l.timeNow = func() time.Time { return fakeNow }
	l.Init()
	defer l.Close()

	addr := netip.MustParseAddr("198.51.100.7")
	allowed := 0
	for i := 0; i < attemptsBurstable+1; i++ {
		if l.Allow(addr) {
			allowed++
		}
	}
	require.LessOrEqual(t, allowed, attemptsBurstable)
}

func TestAllowRecoversOverTime(t *testing.T) {
	l := &Limiter{}
	fakeNow := time.Now()
	l.timeNow = func() time.Time { return fakeNow }
	l.Init()
	defer l.Close()

	addr := netip.MustParseAddr("198.51.100.8")
	for !willDeny(l, addr) {
	}
	fakeNow = fakeNow.Add(time.Second)
	require.True(t, l.Allow(addr))
}

func willDeny(l *Limiter, addr netip.Addr) bool {
	return !l.Allow(addr)
}
