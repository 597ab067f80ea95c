package device

import (
	"context"
	"math"
	"time"

	"github.com/kdeconnect-go/kdeconnect/packet"
)

// PairState is one of the four states of the pairing FSM (spec §4.5).
type PairState int

const (
	StateUnpaired PairState = iota
	StateOutgoing
	StateIncoming
	StatePaired
)

// pairTimeout is the wait-state timeout that resets back to the
// pre-request state (spec §4.5's "30-second timeout").
const pairTimeout = 30 * time.Second

// clockSkewTolerance is the v8 unsolicited-request timestamp tolerance
// (spec §4.5: "±1800 s of local clock").
const clockSkewTolerance = 1800 * time.Second

// protocolVersionV8 is the first protocol version where pair requests
// carry a mandatory timestamp, disambiguating requests from unsolicited
// accepts (spec §4.5's rationale note).
const protocolVersionV8 = 8

var nowFunc = time.Now

// Pair is the user-initiated "pair" action (spec §4.5's Unpaired/Incoming
// rows). timestamp, if non-zero, is used verbatim in the outgoing
// request; zero means "stamp with the current time".
func (d *Device) Pair(ctx context.Context, timestamp int64) error {
	d.pairMu.Lock()
	state := d.pairState
	switch state {
	case StatePaired:
		d.pairMu.Unlock()
		return nil
	case StateOutgoing:
		d.pairMu.Unlock()
		return ErrAlreadyPairing
	case StateIncoming:
		d.stopTimerLocked()
		d.pairState = StatePaired
		d.pairMu.Unlock()

		if err := d.persistPeerCertificate(); err != nil {
			d.log.Errorf("device %s: persist peer certificate: %v", d.ID(), err)
		}
		d.paired.Store(true)
		p := packet.New(packet.TypePair)
		p.SetBool("pair", true)
		err := d.SendPacket(ctx, p)
		d.reloadPlugins()
		d.notifyStateChanged()
		return err
	default: // StateUnpaired
		if timestamp == 0 {
			timestamp = nowFunc().UnixMilli()
		}
		d.pairState = StateOutgoing
		d.armTimerLocked()
		d.pairMu.Unlock()

		p := packet.New(packet.TypePair)
		p.SetBool("pair", true)
		p.SetInt("timestamp", timestamp)
		err := d.SendPacket(ctx, p)
		d.notifyStateChanged()
		return err
	}
}

// Unpair is the user-initiated "unpair" action, valid from any state
// (spec §4.5).
func (d *Device) Unpair(ctx context.Context) error {
	d.pairMu.Lock()
	wasPaired := d.pairState == StatePaired
	d.stopTimerLocked()
	d.pairState = StateUnpaired
	d.pairMu.Unlock()

	d.paired.Store(false)
	if wasPaired {
		if err := d.pairStore.DeletePeerCertificate(d.ID()); err != nil {
			d.log.Errorf("device %s: delete peer certificate: %v", d.ID(), err)
		}
	}

	p := packet.New(packet.TypePair)
	p.SetBool("pair", false)
	err := d.SendPacket(ctx, p)
	d.reloadPlugins()
	d.notifyStateChanged()
	return err
}

// handlePairPacket runs the pairing FSM against a received
// kdeconnect.pair packet (spec §4.5's transition table).
func (d *Device) handlePairPacket(dc *deviceChannel, p *packet.Packet) {
	pairRequested, _ := p.GetBool("pair")
	timestamp, hasTimestamp := p.GetInt("timestamp")

	d.pairMu.Lock()
	state := d.pairState

	if !pairRequested {
		// recv {pair:false}: Outgoing/Incoming/Paired all fall back to
		// Unpaired.
		wasPaired := state == StatePaired
		d.stopTimerLocked()
		d.pairState = StateUnpaired
		d.pairMu.Unlock()

		d.paired.Store(false)
		if wasPaired {
			if err := d.pairStore.DeletePeerCertificate(d.ID()); err != nil {
				d.log.Errorf("device %s: delete peer certificate: %v", d.ID(), err)
			}
		}
		d.reloadPlugins()
		d.notifyStateChanged()
		return
	}

	switch state {
	case StateUnpaired:
		if hasTimestamp && !withinClockSkew(timestamp) {
			d.pairMu.Unlock()
			d.log.Verbosef("device %s: %v", d.ID(), ErrClockSkew)
			return
		}
		d.pairState = StateIncoming
		d.armTimerLocked()
		d.pairMu.Unlock()
		d.notifyStateChanged()

	case StateOutgoing:
		d.stopTimerLocked()
		d.pairState = StatePaired
		d.pairMu.Unlock()

		if err := d.persistPeerCertificate(); err != nil {
			d.log.Errorf("device %s: persist peer certificate: %v", d.ID(), err)
		}
		d.paired.Store(true)
		d.reloadPlugins()
		d.notifyStateChanged()

	case StatePaired:
		// Unsolicited accept with no prior request outstanding.
		protocolVersion := d.Fields().ProtocolVersion
		if protocolVersion >= protocolVersionV8 && hasTimestamp {
			d.pairMu.Unlock()
			if err := d.persistPeerCertificate(); err != nil {
				d.log.Errorf("device %s: refresh peer certificate: %v", d.ID(), err)
			}
			return
		}
		// v7 (or v8 without a timestamp): cannot distinguish from a
		// request, so unpair per spec §4.5's rationale.
		d.stopTimerLocked()
		d.pairState = StateUnpaired
		d.pairMu.Unlock()

		d.paired.Store(false)
		if err := d.pairStore.DeletePeerCertificate(d.ID()); err != nil {
			d.log.Errorf("device %s: delete peer certificate: %v", d.ID(), err)
		}
		d.reloadPlugins()
		d.notifyStateChanged()

	case StateIncoming:
		// A second request while already waiting for user consent: no
		// state change, just re-arm the timeout.
		d.armTimerLocked()
		d.pairMu.Unlock()
	}
}

// armTimerLocked starts or restarts the wait-state timeout. Caller holds
// pairMu.
func (d *Device) armTimerLocked() {
	d.stopTimerLocked()
	d.pairTimer = time.AfterFunc(pairTimeout, d.onTimerExpired)
}

// stopTimerLocked cancels any outstanding wait-state timer. Caller holds
// pairMu.
func (d *Device) stopTimerLocked() {
	if d.pairTimer != nil {
		d.pairTimer.Stop()
		d.pairTimer = nil
	}
}

// onTimerExpired resets a wait state back to Unpaired silently (spec
// §4.5's "any wait | timer expires | Unpaired | silently reset").
func (d *Device) onTimerExpired() {
	d.pairMu.Lock()
	if d.pairState != StateOutgoing && d.pairState != StateIncoming {
		d.pairMu.Unlock()
		return
	}
	d.pairState = StateUnpaired
	d.pairTimer = nil
	d.pairMu.Unlock()
	d.notifyStateChanged()
}

func withinClockSkew(peerTimestampMillis int64) bool {
	delta := nowFunc().UnixMilli() - peerTimestampMillis
	return math.Abs(float64(delta)) <= float64(clockSkewTolerance.Milliseconds())
}

func (d *Device) persistPeerCertificate() error {
	ch, err := d.CurrentChannel()
	if err != nil {
		return err
	}
	cert := ch.Transport().PeerCertificate()
	if cert == nil {
		return nil
	}
	return d.pairStore.SavePeerCertificate(d.ID(), cert)
}
