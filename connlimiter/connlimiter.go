/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2025 WireGuard LLC. All Rights Reserved.
 */

// Package connlimiter throttles inbound connection/identify attempts
// from a single remote address, the same token-bucket algorithm the
// WireGuard device package uses to rate-limit unauthenticated handshake
// packets, keyed here by remote address for connection or
// identity-broadcast attempts. No ChannelService or transport factory in
// this module calls it.
package connlimiter

import (
	"net/netip"
	"sync"
	"time"
)

const (
	attemptsPerSecond  = 20
	attemptsBurstable  = 5
	garbageCollectTime = time.Second
	attemptCost        = 1000000000 / attemptsPerSecond
	maxTokens          = attemptCost * attemptsBurstable
)

type limiterEntry struct {
	mu       sync.Mutex
	lastTime time.Time
	tokens   int64
}

// Limiter admits at most attemptsPerSecond (burstable to
// attemptsBurstable) connection attempts per source address.
type Limiter struct {
	mu      sync.RWMutex
	timeNow func() time.Time

	stopReset chan struct{} // send to reset, close to stop
	table     map[netip.Addr]*limiterEntry
}

// Close stops the Limiter's background garbage collector.
func (l *Limiter) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.stopReset != nil {
		close(l.stopReset)
	}
	l.stopReset = nil
}

// Init (re)starts the Limiter with an empty table.
func (l *Limiter) Init() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.stopReset != nil {
		close(l.stopReset)
	}
	stopReset := make(chan struct{})
	l.stopReset = stopReset
	l.table = make(map[netip.Addr]*limiterEntry)
	if l.timeNow == nil {
		l.timeNow = time.Now
	}

	go func() {
		ticker := time.NewTicker(garbageCollectTime)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				l.mu.Lock()
				for addr, entry := range l.table {
					entry.mu.Lock()
					if l.timeNow().Sub(entry.lastTime) > garbageCollectTime {
						delete(l.table, addr)
					}
					entry.mu.Unlock()
				}
				l.mu.Unlock()
			case <-stopReset:
				return
			}
		}
	}()
}

// Allow reports whether a connection/identify attempt from addr should be
// admitted, consuming a token if so.
func (l *Limiter) Allow(addr netip.Addr) bool {
	var entry *limiterEntry

	l.mu.RLock()
	entry = l.table[addr]
	l.mu.RUnlock()

	if entry == nil {
		entry = &limiterEntry{tokens: maxTokens - attemptCost}
		entry.lastTime = l.timeNow()
		l.mu.Lock()
		l.table[addr] = entry
		l.mu.Unlock()
		return true
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	now := l.timeNow()
	entry.tokens += now.Sub(entry.lastTime).Nanoseconds()
	entry.lastTime = now
	if entry.tokens > maxTokens {
		entry.tokens = maxTokens
	}
	if entry.tokens < attemptCost {
		return false
	}
	entry.tokens -= attemptCost
	return true
}
