package conversation

import "time"

// DecideTimeout returns the state the machine should move to when it has
// spent elapsed in state s. ok is false when s has no timeout or the timeout
// has not elapsed yet.
func DecideTimeout(s State, elapsed time.Duration, cfg Config) (next State, ok bool) {
	limit := cfg.Timeouts[s]
	if limit <= 0 || elapsed < limit {
		return "", false
	}
	next, ok = cfg.TimeoutSuccessors[s]
	if !ok || !IsAllowed(s, next) {
		return "", false
	}
	return next, true
}

// Remaining returns how long state s may still stay active after elapsed.
// It returns 0 when s has no timeout.
func Remaining(s State, elapsed time.Duration, cfg Config) time.Duration {
	limit := cfg.Timeouts[s]
	if limit <= 0 {
		return 0
	}
	if elapsed >= limit {
		return 0
	}
	return limit - elapsed
}
