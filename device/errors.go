package device

import "errors"

var (
	// ErrNotConnected is returned by SendPacket when no channel is
	// current (spec §4.5).
	ErrNotConnected = errors.New("device: not connected")

	// ErrPermissionDenied is returned by SendPacket for any packet other
	// than kdeconnect.pair when the device is not paired.
	ErrPermissionDenied = errors.New("device: not paired")

	// ErrDeviceIDMismatch is returned (and the offending channel dropped)
	// when a peer's identity packet names a different deviceId than the
	// one this Device was constructed for.
	ErrDeviceIDMismatch = errors.New("device: identity deviceId mismatch")

	// ErrClockSkew is the v8 unsolicited-pair-request rejection reason
	// when the peer's timestamp falls outside the ±1800s tolerance.
	ErrClockSkew = errors.New("device: pair request timestamp outside tolerance")

	// ErrAlreadyPairing covers a user "pair" call while a request is
	// already outstanding in either direction.
	ErrAlreadyPairing = errors.New("device: a pairing request is already in progress")
)
