// Package scheduler implements a priority dispatcher: a single coordinator
// goroutine that hands the checkable whose next_check is soonest to a
// bounded worker pool, backed by an idle/pending set over Checkables.
package scheduler

import (
	"context"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fleetwatch/fleetwatch/internal/clock"
	"github.com/fleetwatch/fleetwatch/internal/objects"
	"github.com/fleetwatch/fleetwatch/internal/ring"
)

// DefaultMaxConcurrentChecks is the default cap on in-flight executions.
const DefaultMaxConcurrentChecks = 512

// Executor is the callback the scheduler invokes to actually run a check.
// Implemented by internal/checker.Executor in production.
type Executor interface {
	ExecuteCheck(ctx context.Context, c *objects.Checkable)
}

// Scheduler owns the idle/pending sets and drives one dispatcher goroutine
// plus a bounded worker pool.
type Scheduler struct {
	log   *zap.Logger
	clock clock.Source

	mu      sync.Mutex
	cond    *sync.Cond
	idle    *idleHeap
	pending map[*objects.Checkable]struct{}

	maxConcurrent int
	running       int

	globalActiveChecks bool

	executor Executor
	counters *ring.Counters

	stopped bool
	stopCh  chan struct{}
}

// New builds a Scheduler. executor must not be nil; it is invoked from
// within the worker pool for every dispatched checkable.
func New(log *zap.Logger, src clock.Source, maxConcurrent int, executor Executor) *Scheduler {
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrentChecks
	}
	if src == nil {
		src = clock.Real{}
	}
	s := &Scheduler{
		log:                log,
		clock:              src,
		idle:               newIdleHeap(),
		pending:            make(map[*objects.Checkable]struct{}),
		maxConcurrent:      maxConcurrent,
		globalActiveChecks: true,
		executor:           executor,
		stopCh:             make(chan struct{}),
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// SetCounters attaches the per-second activity ring buffers the
// dispatcher increments on every active check it hands to the executor.
// Passing nil (the default) disables counting.
func (s *Scheduler) SetCounters(c *ring.Counters) {
	s.mu.Lock()
	s.counters = c
	s.mu.Unlock()
}

// SetGlobalActiveChecks toggles the process-wide active-checks gate
// evaluated in the dispatcher loop's step 5.
func (s *Scheduler) SetGlobalActiveChecks(enabled bool) {
	s.mu.Lock()
	s.globalActiveChecks = enabled
	s.mu.Unlock()
	s.cond.Broadcast()
}

// Register inserts c into the idle set if it is active and authoritative
// and not already executing, and wires the OnNextCheckChanged hook so
// future mutations of c.NextCheck re-key it.
func (s *Scheduler) Register(c *objects.Checkable) {
	c.SetNextCheckChangedHook(s.OnNextCheckChanged)

	c.Lock()
	active, authoritative := c.Active, c.Authoritative
	c.Unlock()

	s.mu.Lock()
	if active && authoritative {
		if _, pending := s.pending[c]; !pending {
			s.idle.insert(c)
		}
	}
	s.mu.Unlock()
	s.cond.Broadcast()
}

// Unregister removes c from both sets.
func (s *Scheduler) Unregister(c *objects.Checkable) {
	s.mu.Lock()
	s.idle.remove(c)
	delete(s.pending, c)
	s.mu.Unlock()
}

// OnNextCheckChanged re-keys c in the idle set. Safe to call whether or not
// c is currently idle, pending, or neither.
func (s *Scheduler) OnNextCheckChanged(c *objects.Checkable) {
	s.mu.Lock()
	if s.idle.contains(c) {
		s.idle.rekey(c)
	} else if _, pending := s.pending[c]; !pending {
		c.Lock()
		active, authoritative := c.Active, c.Authoritative
		c.Unlock()
		if active && authoritative {
			s.idle.insert(c)
		}
	}
	s.mu.Unlock()
	s.cond.Broadcast()
}

// ForceNextCheck bypasses the active-checks and check-period gates for c's
// very next dispatch.
func (s *Scheduler) ForceNextCheck(c *objects.Checkable) {
	c.ForceNextCheck(s.clock.Now())
}

// Run drives the dispatcher loop until ctx is cancelled or Stop is called.
// It blocks the calling goroutine; callers typically run it in its own
// goroutine alongside Stop()-on-shutdown.
func (s *Scheduler) Run(ctx context.Context) error {
	grp, gctx := errgroup.WithContext(ctx)

	go func() {
		<-ctx.Done()
		s.Stop()
	}()

	for {
		c, ok := s.waitForReady(gctx)
		if !ok {
			break
		}

		s.mu.Lock()
		s.pending[c] = struct{}{}
		s.running++
		counters := s.counters
		s.mu.Unlock()

		if counters != nil {
			now := s.clock.Now().Unix()
			if c.Kind == objects.KindHost {
				counters.ActiveHostChecks.Update(now, 1)
			} else {
				counters.ActiveServiceChecks.Update(now, 1)
			}
		}

		checkable := c
		grp.Go(func() error {
			defer s.finishDispatch(checkable)
			s.executor.ExecuteCheck(gctx, checkable)
			return nil
		})
	}

	return grp.Wait()
}

// finishDispatch runs the post-execution reinsertion: remove from
// pending, reinsert into idle if still eligible.
func (s *Scheduler) finishDispatch(c *objects.Checkable) {
	s.mu.Lock()
	delete(s.pending, c)
	s.running--
	c.Lock()
	active, authoritative := c.Active, c.Authoritative
	c.Unlock()
	if active && authoritative {
		s.idle.insert(c)
	}
	s.mu.Unlock()
	s.cond.Broadcast()
}

// IdleCount reports how many checkables currently sit in the idle set.
func (s *Scheduler) IdleCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.idle.Len()
}

// PendingCount reports how many checkables are currently executing.
func (s *Scheduler) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Stop signals Run to return once any in-flight dispatch completes.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.stopped {
		s.stopped = true
		close(s.stopCh)
	}
	s.mu.Unlock()
	s.cond.Broadcast()
}

// waitForReady waits until idle is non-empty, peeks the minimum, gates
// it, and either dispatches it (returning ok=true) or loops. Returns
// ok=false once stopped.
func (s *Scheduler) waitForReady(ctx context.Context) (*objects.Checkable, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for {
		if s.stopped {
			return nil, false
		}
		select {
		case <-ctx.Done():
			return nil, false
		default:
		}

		c := s.idle.peek()
		if c == nil {
			s.waitOnCond(250 * time.Millisecond)
			continue
		}

		c.Lock()
		authoritative := c.Authoritative
		nextCheck := c.NextCheck
		c.Unlock()
		if !authoritative {
			// Authority moved to a peer while this checkable sat in
			// idle; it must not be dispatched here.
			s.idle.remove(c)
			continue
		}
		now := s.clock.Now()
		if wait := nextCheck.Sub(now); wait > 0 {
			w := wait
			if w > 250*time.Millisecond {
				w = 250 * time.Millisecond
			}
			s.waitOnCond(w)
			continue
		}

		if s.running >= s.maxConcurrent {
			s.waitOnCond(10 * time.Millisecond)
			continue
		}

		forced := c.Forced()

		if !forced && !s.checkGatesLocked(c, now) {
			s.idle.remove(c)
			c.Lock()
			c.NextCheck = nextCheckable(now, c.CheckInterval, c.SchedulingOffset)
			c.Unlock()
			s.idle.insert(c)
			continue
		}

		c.ConsumeForceNextCheck()
		s.idle.remove(c)
		return c, true
	}
}

// checkGatesLocked evaluates the "enable_active_checks / globally disabled /
// outside check_period" gates. Caller must not hold c's own lock.
func (s *Scheduler) checkGatesLocked(c *objects.Checkable, now time.Time) bool {
	if !s.globalActiveChecks {
		return false
	}
	c.Lock()
	enabled := c.EnableActiveChecks
	period := c.CheckPeriod
	c.Unlock()
	if !enabled {
		return false
	}
	if period != nil && !period.Contains(now) {
		return false
	}
	return true
}

// waitOnCond blocks on the condition variable for at most d: a timer fires
// a Broadcast after d so a Wait() with nothing else to wake it still
// returns in time to re-check the idle set's new minimum. Must be called
// with s.mu held; cond.Wait re-acquires it before returning.
func (s *Scheduler) waitOnCond(d time.Duration) {
	timer := time.AfterFunc(d, s.cond.Broadcast)
	defer timer.Stop()
	s.cond.Wait()
}

// NextCheckTime exposes nextCheckable to other packages (the result
// processor needs the identical stampede-avoidance formula when it
// reschedules an actively-checked checkable after processing a result).
func NextCheckTime(now time.Time, interval, offset time.Duration) time.Time {
	return nextCheckable(now, interval, offset)
}

// nextCheckable computes the stampede-avoiding next_check via the
// scheduling-offset formula:
//
//	next := now - adj + interval
//	adj  := min(0.5 + (offset mod (5*interval))/100,
//	            (now*100 + offset) mod (interval*100) / 100)
func nextCheckable(now time.Time, interval, offset time.Duration) time.Time {
	if interval <= 0 {
		return now
	}
	nowS := float64(now.Unix())
	intervalS := interval.Seconds()
	offsetS := offset.Seconds()

	term1 := 0.5 + math.Mod(offsetS, 5*intervalS)/100
	term2 := math.Mod(nowS*100+offsetS, intervalS*100) / 100
	adj := math.Min(term1, term2)

	deltaS := intervalS - adj
	return now.Add(time.Duration(deltaS * float64(time.Second)))
}
