package domain

import "time"

// Signal is a directional trade suggestion emitted by a strategy, before any
// risk check or sizing. It is consumed once by the risk manager and never
// persisted.
type Signal struct {
	Symbol     string
	Direction  Direction
	Confidence float64 // [0,1], strategy's conviction in the signal
	Strategy   string  // name of the originating strategy
	Time       time.Time
}
