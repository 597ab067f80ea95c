package channel

import "errors"

var (
	// ErrConnectionClosed is returned by any read or write after Close,
	// or observed mid-operation when the other side or a write failure
	// closes the channel (spec §7).
	ErrConnectionClosed = errors.New("channel: connection closed")

	// ErrMessageTooLarge is returned by ReadPacket when a frame exceeds
	// the buffer bound for the channel's current trust level (spec §4.2).
	ErrMessageTooLarge = errors.New("channel: message exceeds buffer bound")

	// ErrPartialInput is returned by Upload/Download when fewer than
	// payloadSize bytes were transferred (spec §4.2, §7).
	ErrPartialInput = errors.New("channel: payload transfer ended short of payloadSize")

	// ErrNotSupported is returned when a Transport does not implement
	// the requested auxiliary operation (spec §7).
	ErrNotSupported = errors.New("channel: transport does not support this operation")
)
