package devicemanager

import "errors"

var (
	// ErrNoIdentity is the admission-drop reason when a channel's first
	// packet is not a well-formed identity (spec §4.6: "missing identity
	// → drop").
	ErrNoIdentity = errors.New("devicemanager: channel produced no identity")

	// ErrUnpairedCapExceeded is the admission-drop reason when accepting
	// a new device would exceed the unpaired-device cap (spec §4.6, §8).
	ErrUnpairedCapExceeded = errors.New("devicemanager: unpaired device cap exceeded")
)
