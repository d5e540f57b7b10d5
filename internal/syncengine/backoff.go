package syncengine

import (
	"sync"
	"time"
)

// backoffState implements SPEC_FULL.md §4.4's adaptive check-in backoff:
// three consecutive check-ins with no peer-directory change and no local
// commit double the tick interval up to ceiling; any observed change resets
// to base. Grounded in the teacher's health-poll interval logic
// (internal/health), generalized from a fixed poll rate to a doubling one.
type backoffState struct {
	mu       sync.Mutex
	base     time.Duration
	ceiling  time.Duration
	interval time.Duration
	streak   int
	lastHash string
}

func newBackoffState(base, ceiling time.Duration) backoffState {
	if base <= 0 {
		base = time.Second
	}
	if ceiling < base {
		ceiling = base
	}
	return backoffState{base: base, ceiling: ceiling, interval: base}
}

// current returns the interval the next check-in tick should wait for.
func (b *backoffState) current() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.interval
}

// noteLocalCommit resets the backoff to base: a local commit is activity
// that warrants prompt propagation.
func (b *backoffState) noteLocalCommit() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.streak = 0
	b.interval = b.base
}

// noteDirectory records this tick's directory hash and reports whether it
// changed since the previous tick.
func (b *backoffState) noteDirectory(hash string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	changed := hash != b.lastHash
	b.lastHash = hash
	return changed
}

// noteTick applies the doubling rule once directoryChanged is known for
// this tick.
func (b *backoffState) noteTick(directoryChanged bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if directoryChanged {
		b.streak = 0
		b.interval = b.base
		return
	}
	b.streak++
	if b.streak < 3 {
		return
	}
	b.streak = 0
	next := b.interval * 2
	if next > b.ceiling {
		next = b.ceiling
	}
	b.interval = next
}
