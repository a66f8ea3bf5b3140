package server

import "time"

// Backoff yields exponentially growing reconnect delays: Base, 2*Base,
// 4*Base, ... capped at Max.
type Backoff struct {
	Base    time.Duration
	Max     time.Duration
	attempt int
}

// Next advances the attempt counter and returns the delay before that attempt.
func (b *Backoff) Next() time.Duration {
	b.attempt++
	d := b.Base
	for i := 1; i < b.attempt && d < b.Max; i++ {
		d *= 2
	}
	if d > b.Max {
		d = b.Max
	}
	return d
}

// Attempt is the number of delays handed out since the last Reset.
func (b *Backoff) Attempt() int {
	return b.attempt
}

func (b *Backoff) Reset() {
	b.attempt = 0
}
