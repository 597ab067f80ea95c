package channel

import "time"

// nowFunc is a variable so tests can override it, the same pattern
// connlimiter.Limiter uses for its timeNow field.
var nowFunc = time.Now
