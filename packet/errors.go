package packet

import "errors"

// Error kinds from spec §7, scoped to packet parsing/building.
var (
	ErrInvalidData     = errors.New("packet: not a JSON object")
	ErrMalformed       = errors.New("packet: does not satisfy the packet envelope")
	ErrMissingField    = errors.New("packet: required field missing")
	ErrInvalidField    = errors.New("packet: field has the wrong type")
	ErrMessageTooLarge = errors.New("packet: exceeds the buffer bound for this peer's trust level")
	ErrPartialInput    = errors.New("packet: payload transfer ended short of payloadSize")
)
