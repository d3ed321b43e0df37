package audio

// DefaultChunkEvery is the emission ratio for speech chunks.
const DefaultChunkEvery = 3

// ChunkThrottle forwards every n-th speech chunk. Non-speech chunks are
// never forwarded and do not advance the counter.
type ChunkThrottle struct {
	every int
	count int
}

// NewChunkThrottle returns a throttle emitting one of every n speech chunks.
// n < 1 uses [DefaultChunkEvery].
func NewChunkThrottle(n int) *ChunkThrottle {
	if n < 1 {
		n = DefaultChunkEvery
	}
	return &ChunkThrottle{every: n}
}

// Admit reports whether a chunk should be emitted.
func (t *ChunkThrottle) Admit(isSpeech bool) bool {
	if !isSpeech {
		return false
	}
	t.count++
	if t.count >= t.every {
		t.count = 0
		return true
	}
	return false
}

// Reset restarts the count.
func (t *ChunkThrottle) Reset() { t.count = 0 }
