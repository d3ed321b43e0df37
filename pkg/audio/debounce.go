package audio

import "time"

// DefaultSilenceDuration is how long silence must last before speech is
// considered finished.
const DefaultSilenceDuration = 1500 * time.Millisecond

// Edge is the outcome of feeding one frame to a [Debouncer].
type Edge int

const (
	// EdgeNone means the speaking flag did not change.
	EdgeNone Edge = iota

	// EdgeStart means speech just began.
	EdgeStart

	// EdgeEnd means the silence window elapsed and speech ended.
	EdgeEnd
)

// Debouncer applies hysteresis to per-frame speech decisions. Speech starts
// on the first speech frame. It ends only after continuous silence of the
// configured duration; a speech frame inside that window cancels the
// countdown. Times are stream offsets, so the debouncer needs no clock.
// It is not safe for concurrent use.
type Debouncer struct {
	silence time.Duration

	speaking     bool
	countingDown bool
	silentSince  time.Duration
}

// NewDebouncer returns a Debouncer with the given silence window. Zero or
// negative values use [DefaultSilenceDuration].
func NewDebouncer(silence time.Duration) *Debouncer {
	if silence <= 0 {
		silence = DefaultSilenceDuration
	}
	return &Debouncer{silence: silence}
}

// Observe feeds one frame decision taken at stream offset at.
func (d *Debouncer) Observe(speech bool, at time.Duration) Edge {
	if speech {
		d.countingDown = false
		if !d.speaking {
			d.speaking = true
			return EdgeStart
		}
		return EdgeNone
	}
	if !d.speaking {
		return EdgeNone
	}
	if !d.countingDown {
		d.countingDown = true
		d.silentSince = at
		return EdgeNone
	}
	if at-d.silentSince >= d.silence {
		d.speaking = false
		d.countingDown = false
		return EdgeEnd
	}
	return EdgeNone
}

// Speaking reports the debounced speaking flag.
func (d *Debouncer) Speaking() bool { return d.speaking }

// Reset clears the speaking flag and any pending countdown.
func (d *Debouncer) Reset() {
	d.speaking = false
	d.countingDown = false
	d.silentSince = 0
}
