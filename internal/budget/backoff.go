package budget

import (
	"math/rand"
	"time"
)

// Backoff is an exponential backoff policy with randomized jitter, applied
// when a provider explicitly signals throttling. Advertised limits and
// observed behavior diverge in practice, so window accounting alone is not
// enough.
type Backoff struct {
	Base          time.Duration
	Cap           time.Duration
	JitterCeiling time.Duration
	MaxRetries    int
}

// Delay computes the delay for the given zero-based attempt:
// base * 2^attempt + rand(0, jitterCeiling), capped at Cap.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	d := b.Base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= b.Cap {
			d = b.Cap
			break
		}
	}
	if d > b.Cap {
		d = b.Cap
	}

	if b.JitterCeiling > 0 {
		d += time.Duration(rand.Int63n(int64(b.JitterCeiling)))
	}
	return d
}
