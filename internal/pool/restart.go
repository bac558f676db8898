package pool

import "time"

const minBackoff = 10 * time.Millisecond

// RestartPolicy decides how fast dead contexts are replaced.
//
// The first failure is replaced immediately. Every further consecutive
// failure (a death or a spawn error with no completed task in between)
// doubles the delay, starting at InitialBackoff and capped at MaxBackoff.
// Past MaxConsecutiveFailures the breaker opens: a respawn.suspended event is
// published and a single probe is attempted every ResetTimeout, or never when
// ResetTimeout is zero. A zero MaxConsecutiveFailures never opens the breaker.
type RestartPolicy struct {
	InitialBackoff         time.Duration
	MaxBackoff             time.Duration
	MaxConsecutiveFailures int
	ResetTimeout           time.Duration
}

// DefaultRestartPolicy returns the policy used by the CLI.
func DefaultRestartPolicy() RestartPolicy {
	return RestartPolicy{
		InitialBackoff:         100 * time.Millisecond,
		MaxBackoff:             30 * time.Second,
		MaxConsecutiveFailures: 10,
		ResetTimeout:           time.Minute,
	}
}

func (r RestartPolicy) withDefaults() RestartPolicy {
	def := DefaultRestartPolicy()
	if r.InitialBackoff <= 0 {
		r.InitialBackoff = def.InitialBackoff
	}
	if r.InitialBackoff < minBackoff {
		r.InitialBackoff = minBackoff
	}
	if r.MaxBackoff <= 0 {
		r.MaxBackoff = def.MaxBackoff
	}
	if r.MaxBackoff < r.InitialBackoff {
		r.MaxBackoff = r.InitialBackoff
	}
	if r.MaxConsecutiveFailures < 0 {
		r.MaxConsecutiveFailures = 0
	}
	return r
}

// delay returns the wait before the next respawn after the given number of
// consecutive failures. open reports that the breaker is open; stop that no
// respawn should be attempted at all.
func (r RestartPolicy) delay(failures int) (d time.Duration, open, stop bool) {
	if r.MaxConsecutiveFailures > 0 && failures > r.MaxConsecutiveFailures {
		if r.ResetTimeout <= 0 {
			return 0, true, true
		}
		return r.ResetTimeout, true, false
	}
	if failures <= 1 {
		return 0, false, false
	}
	d = r.InitialBackoff
	for i := 2; i < failures; i++ {
		d *= 2
		if d >= r.MaxBackoff {
			return r.MaxBackoff, false, false
		}
	}
	return min(d, r.MaxBackoff), false, false
}
