package engine

const (
	// MinBackoff is the number of new scrobbles to wait for after the first
	// failed round.
	MinBackoff = 1
	// MaxBackoff caps the wait.
	MaxBackoff = 32
)

// backoff counts scrobbles, not time: after a failed round the worker waits
// for threshold new records before trying again.
type backoff struct {
	threshold int
}

func newBackoff() backoff {
	return backoff{threshold: MinBackoff}
}

func (b *backoff) fail() {
	b.threshold *= 2
	if b.threshold > MaxBackoff {
		b.threshold = MaxBackoff
	}
}

func (b *backoff) reset() {
	b.threshold = MinBackoff
}
