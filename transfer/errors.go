package transfer

import "errors"

var (
	// ErrNotConnected is returned when a transfer is started against a
	// device with no current channel (spec §4.4's "Device is disconnected").
	ErrNotConnected = errors.New("transfer: device is not connected")
)
