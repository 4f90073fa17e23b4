package engine

import "time"

// Clock is the engine's injectable time source. Production code uses the UTC
// system clock; tests substitute a fixed or stepped clock to make timestamps
// and lookback windows deterministic.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time {
	return time.Now().UTC()
}

// SystemClock returns the UTC wall clock.
func SystemClock() Clock {
	return systemClock{}
}
