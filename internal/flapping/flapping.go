// Package flapping implements the weighted state-change history buffer used
// to detect a checkable oscillating between states.
package flapping

// historySize is the number of past state-change observations retained.
const historySize = 20

// Buffer is a 20-slot circular history of "did the state change at this
// check" observations, weighted so recent entries count more than older
// ones, with hysteresis between the low/high thresholds.
type Buffer struct {
	history [historySize]bool
	idx     int
	filled  int // number of valid entries, caps at historySize

	Percent    float64
	Flapping   bool
	lastChange int64 // unix seconds of the last Flapping transition, 0 if never
}

// NewBuffer returns an empty Buffer.
func NewBuffer() *Buffer {
	return &Buffer{}
}

// weight returns the weight for history slot i counting from the oldest (0)
// to the newest (historySize-1) entry currently in the window:
// weight(i) = 0.80 + 0.02*i over i in [0, 19], so the newest entry carries
// 1.18x and the oldest carries 0.80x.
func weight(i int) float64 {
	return 0.80 + 0.02*float64(i)
}

// Record appends one observation (whether the state changed on this check)
// and recomputes Percent. now is the unix-second timestamp of the check,
// used only to stamp lastChange if flapping starts or stops here.
func (b *Buffer) Record(changed bool, now int64, lowThreshold, highThreshold float64) {
	b.history[b.idx] = changed
	b.idx = (b.idx + 1) % historySize
	if b.filled < historySize {
		b.filled++
	}
	b.Percent = b.calculatePercent()
	b.updateFlapping(now, lowThreshold, highThreshold)
}

// calculatePercent walks the full window oldest-to-newest, summing the
// weight of every slot where a change was recorded, over the fixed
// divisor historySize. Slots not yet written read as "no change", so a
// fresh buffer climbs gradually rather than spiking on its first entry.
func (b *Buffer) calculatePercent() float64 {
	var sum float64
	// b.idx points at the slot the next Record will overwrite, which is
	// the oldest entry in the window; walking forward historySize steps
	// visits oldest -> newest.
	for i := 0; i < historySize; i++ {
		slot := (b.idx + i) % historySize
		if b.history[slot] {
			sum += weight(i)
		}
	}
	return (sum / float64(historySize)) * 100.0
}

// updateFlapping applies the hysteresis rule:
// f' = f ? (percent > lowThreshold) : (percent > highThreshold)
func (b *Buffer) updateFlapping(now int64, lowThreshold, highThreshold float64) {
	if lowThreshold <= 0 {
		lowThreshold = 20.0
	}
	if highThreshold <= 0 {
		highThreshold = 30.0
	}
	var next bool
	if b.Flapping {
		next = b.Percent > lowThreshold
	} else {
		next = b.Percent > highThreshold
	}
	if next != b.Flapping {
		b.Flapping = next
		b.lastChange = now
	}
}

// LastChange returns the unix-second timestamp of the last flapping state
// transition, or 0 if the buffer has never transitioned.
func (b *Buffer) LastChange() int64 { return b.lastChange }

// Reset clears all recorded history, used when flapping detection is
// disabled and re-enabled, or on object reload.
func (b *Buffer) Reset() {
	*b = Buffer{}
}

// ShouldRecord reports whether this observation should be folded into the
// flap history at all. Services skip Soft non-OK, non-recovery states so a
// slow climb through retries doesn't itself look like flapping; hosts and
// Hard states always record.
func ShouldRecord(isService bool, stateTypeSoft bool, newStateIsOK bool) bool {
	if isService && stateTypeSoft && !newStateIsOK {
		return false
	}
	return true
}
