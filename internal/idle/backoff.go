package idle

import "time"

// Policy controls reconnect pacing after consecutive transport faults.
type Policy struct {
	// Base is multiplied by the consecutive-failure count.
	Base time.Duration
	// Cap bounds the per-attempt delay.
	Cap time.Duration
	// CooldownAfter is the consecutive-failure count that triggers the long
	// cool-down instead of another capped delay.
	CooldownAfter int
	// Cooldown is the long pause after CooldownAfter consecutive failures.
	Cooldown time.Duration
}

// DefaultPolicy mirrors the pacing most IMAP servers tolerate: 30s, 60s, ...
// capped at 5 minutes, with a 10-minute cool-down after 5 straight failures.
func DefaultPolicy() Policy {
	return Policy{
		Base:          30 * time.Second,
		Cap:           5 * time.Minute,
		CooldownAfter: 5,
		Cooldown:      10 * time.Minute,
	}
}

// Next returns the delay before the given reconnect attempt and the failure
// count to carry forward. The sequence is non-decreasing and capped; hitting
// CooldownAfter yields the cool-down and resets the counter.
func (p Policy) Next(consecutiveFailures int) (time.Duration, int) {
	if consecutiveFailures >= p.CooldownAfter {
		return p.Cooldown, 0
	}

	delay := p.Base * time.Duration(consecutiveFailures)
	if delay > p.Cap {
		delay = p.Cap
	}
	return delay, consecutiveFailures
}
