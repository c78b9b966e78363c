// Package ring implements a per-second activity counter ring buffer, used
// to answer "how many active host checks ran in the last N seconds"-style
// statistics without retaining unbounded history.
package ring

import "sync"

// Buffer is a fixed-length ring of per-second counters. Each slot
// accumulates events for one wall-clock second; advancing the current
// slot clears the oldest one. Safe for concurrent use.
type Buffer struct {
	mu      sync.Mutex
	slots   []int64
	size    int
	current int64 // unix second of the slot at index (current % size)
}

// New creates a Buffer covering `seconds` one-second slots.
func New(seconds int) *Buffer {
	if seconds <= 0 {
		seconds = 60
	}
	return &Buffer{slots: make([]int64, seconds), size: seconds}
}

// Update records n events at unix second `second`, advancing (and zeroing)
// any slots between the last recorded second and this one.
func (b *Buffer) Update(second int64, n int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.advanceLocked(second)
	b.slots[second%int64(b.size)] += n
}

// advanceLocked zeroes slots for every second between b.current and target,
// exclusive of b.current, inclusive of target. Must be called with mu held.
func (b *Buffer) advanceLocked(target int64) {
	if target <= b.current {
		return
	}
	span := target - b.current
	if span > int64(b.size) {
		span = int64(b.size)
	}
	for i := int64(1); i <= span; i++ {
		b.slots[(b.current+i)%int64(b.size)] = 0
	}
	b.current = target
}

// Sum returns the total count over the last `seconds` slots ending at
// `second` (inclusive), after clearing any elapsed slots.
func (b *Buffer) Sum(second int64, seconds int) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.advanceLocked(second)
	if seconds <= 0 || seconds > b.size {
		seconds = b.size
	}
	var total int64
	for i := 0; i < seconds; i++ {
		idx := second - int64(i)
		if idx < 0 {
			break
		}
		total += b.slots[idx%int64(b.size)]
	}
	return total
}

// Rate returns Sum(second, seconds) divided by the window length, i.e. the
// average per-second rate over the window.
func (b *Buffer) Rate(second int64, seconds int) float64 {
	if seconds <= 0 {
		seconds = b.size
	}
	return float64(b.Sum(second, seconds)) / float64(seconds)
}

// Counters aggregates the four active/passive host/service ring buffers
// the scheduler (active checks it dispatches) and the result processor
// (passive checks it receives) update.
type Counters struct {
	ActiveHostChecks     *Buffer
	ActiveServiceChecks  *Buffer
	PassiveHostChecks    *Buffer
	PassiveServiceChecks *Buffer
}

// NewCounters builds a Counters with `windowSeconds`-deep ring buffers for
// each of the four categories.
func NewCounters(windowSeconds int) *Counters {
	return &Counters{
		ActiveHostChecks:     New(windowSeconds),
		ActiveServiceChecks:  New(windowSeconds),
		PassiveHostChecks:    New(windowSeconds),
		PassiveServiceChecks: New(windowSeconds),
	}
}
