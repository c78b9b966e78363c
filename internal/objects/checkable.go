package objects

import (
	"math/rand"
	"sync"
	"time"

	"github.com/fleetwatch/fleetwatch/internal/flapping"
)

// Checkable holds every field common to Host and Service. It is
// not a base class — Host and Service each embed it and dispatch to
// variant-specific behavior (derived state, owning collections) through
// free functions keyed on Kind, rather than an interface with two
// implementations.
type Checkable struct {
	Kind Kind
	Name string // stable identity: host name, or "host!short_name" for a Service

	// Owner is the implicit host-owns-service edge: nil for a Host, the
	// owning Host's Checkable for a Service. Set once by Host.AddService.
	Owner *Checkable

	// --- static configuration, set once at registration ---
	CheckInterval         time.Duration
	RetryInterval         time.Duration
	MaxCheckAttempts      int
	CheckPeriod           CheckPeriod
	EnableActiveChecks    bool
	EnablePassiveChecks   bool
	EnableNotifications   bool
	EnableFlapping        bool
	EnableEventHandler    bool
	Volatile              bool
	FlappingThresholdLow  float64
	FlappingThresholdHigh float64
	CommandEndpoint       Endpoint
	Command               CheckCommand
	EventHandler          EventCommand
	// SchedulingOffset phase-shifts concurrently-scheduled checkables that
	// share an interval so they don't stampede.
	SchedulingOffset time.Duration

	mu sync.Mutex

	// --- mutable check state, guarded by mu ---
	StateRaw            int
	LastStateRaw        int
	LastHardStateRaw    int
	StateType           StateType
	LastStateType       StateType
	CheckAttempt        int
	NextCheck           time.Time
	LastCheckResult     *CheckResult
	LastStateChange     time.Time
	LastHardStateChange time.Time
	LastReachable        bool
	LastStateTimestamps map[int]time.Time // terminal-state -> last time observed

	CheckRunning   bool
	Active         bool
	Authoritative  bool
	forceNextCheck bool

	// --- flapping state ---
	// flapHistory holds the 20-slot weighted history buffer; FlapCurrent/
	// Flapping/FlapLastChange are the externally-visible denormalized snapshot
	// the history buffer computes into on every Record call.
	flapHistory    *flapping.Buffer
	FlapCurrent    float64
	Flapping       bool
	FlapLastChange time.Time

	// --- acknowledgement ---
	Acknowledgement       AckType
	AcknowledgementExpiry time.Time

	// --- suppression bookkeeping ---
	SuppressedNotifications uint32
	StateBeforeSuppression  int

	collMu        sync.Mutex
	downtimeIDs   map[string]struct{}
	commentIDs    map[string]struct{}
	notifications map[string]struct{}

	depMu    sync.RWMutex
	parents  map[NotificationDependencyKind][]*Checkable
	children map[NotificationDependencyKind][]*Checkable
	deps     []*Dependency

	// onNextCheckChanged, when set by the scheduler at Register time, is
	// invoked after any mutation of NextCheck so the scheduler's ordered
	// index stays consistent.
	onNextCheckChanged func(*Checkable)
}

// NotificationDependencyKind mirrors DependencyType; it is
// named distinctly here to avoid confusion with NotificationType.
type NotificationDependencyKind int

const (
	DepState NotificationDependencyKind = iota
	DepCheckExecution
	DepNotification
)

// NewCheckable builds the common portion of a Host or Service. rng draws
// the random scheduling offset; pass a deterministic source in tests.
func NewCheckable(kind Kind, name string, checkInterval time.Duration, rng *rand.Rand) *Checkable {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	offset := time.Duration(0)
	if checkInterval > 0 {
		offset = time.Duration(rng.Int63n(int64(checkInterval)))
	}
	return &Checkable{
		Kind:                kind,
		Name:                name,
		CheckInterval:       checkInterval,
		RetryInterval:       checkInterval / 5,
		MaxCheckAttempts:    1,
		CheckPeriod:         AlwaysOpen{},
		EnableActiveChecks:  true,
		EnablePassiveChecks: true,
		EnableNotifications: true,
		EnableFlapping:      true,
		SchedulingOffset:    offset,
		StateType:           StateTypeHard,
		CheckAttempt:        1,
		LastStateTimestamps: make(map[int]time.Time),
		downtimeIDs:         make(map[string]struct{}),
		commentIDs:          make(map[string]struct{}),
		notifications:       make(map[string]struct{}),
		parents:             make(map[NotificationDependencyKind][]*Checkable),
		children:            make(map[NotificationDependencyKind][]*Checkable),
	}
}

// Lock/Unlock expose the per-checkable mutex guarding the state-machine
// fields. The result processor holds this for the duration of a single
// ProcessCheckResult call.
func (c *Checkable) Lock()   { c.mu.Lock() }
func (c *Checkable) Unlock() { c.mu.Unlock() }

// SetNextCheckChangedHook is called once by the scheduler at Register time.
func (c *Checkable) SetNextCheckChangedHook(f func(*Checkable)) {
	c.mu.Lock()
	c.onNextCheckChanged = f
	c.mu.Unlock()
}

// SetNextCheck mutates NextCheck and, once the lock is released, notifies
// the scheduler so its ordered index stays consistent. The scheduler's own
// mutex must never be taken while c's lock is held, so the hook always
// fires after Unlock.
func (c *Checkable) SetNextCheck(t time.Time) {
	c.mu.Lock()
	c.NextCheck = t
	hook := c.onNextCheckChanged
	c.mu.Unlock()
	if hook != nil {
		hook(c)
	}
}

// NotifySchedulerOfNextCheck re-fires the OnNextCheckChanged hook without
// mutating NextCheck. Used by code paths that already hold c's lock when
// they change NextCheck directly and must defer notification until after
// they unlock.
func (c *Checkable) NotifySchedulerOfNextCheck() {
	c.mu.Lock()
	hook := c.onNextCheckChanged
	c.mu.Unlock()
	if hook != nil {
		hook(c)
	}
}

// ForceNextCheck sets next_check to now and arms the one-shot bypass flag
// that lets the dispatcher skip its period/check_period gates exactly once.
func (c *Checkable) ForceNextCheck(now time.Time) {
	c.mu.Lock()
	c.NextCheck = now
	c.forceNextCheck = true
	c.mu.Unlock()
	c.NotifySchedulerOfNextCheck()
}

// Forced peeks the one-shot force flag without clearing it.
func (c *Checkable) Forced() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.forceNextCheck
}

// ConsumeForceNextCheck reports and clears the one-shot force flag.
func (c *Checkable) ConsumeForceNextCheck() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	forced := c.forceNextCheck
	c.forceNextCheck = false
	return forced
}

// IsOK reports whether the checkable's current raw state is OK-equivalent
// for its Kind.
func (c *Checkable) IsOK() bool {
	if c.Kind == KindHost {
		return c.StateRaw == HostUp
	}
	return c.StateRaw == ServiceOK
}

// AddDowntime/RemoveDowntime/DowntimeCount track downtime membership by
// ID only; ownership and lifecycle bookkeeping live in internal/downtime.
// Checkable tracking membership this way lets the overlay and the result
// processor each hold their own locks without a lock-ordering cycle.
// DowntimeCount()>0 is how the processor tests "in downtime".
func (c *Checkable) AddDowntime(id string) {
	c.collMu.Lock()
	c.downtimeIDs[id] = struct{}{}
	c.collMu.Unlock()
}

func (c *Checkable) RemoveDowntime(id string) {
	c.collMu.Lock()
	delete(c.downtimeIDs, id)
	c.collMu.Unlock()
}

func (c *Checkable) DowntimeCount() int {
	c.collMu.Lock()
	defer c.collMu.Unlock()
	return len(c.downtimeIDs)
}

func (c *Checkable) AddComment(id string) {
	c.collMu.Lock()
	c.commentIDs[id] = struct{}{}
	c.collMu.Unlock()
}

func (c *Checkable) RemoveComment(id string) {
	c.collMu.Lock()
	delete(c.commentIDs, id)
	c.collMu.Unlock()
}

func (c *Checkable) AddNotificationRecord(id string) {
	c.collMu.Lock()
	c.notifications[id] = struct{}{}
	c.collMu.Unlock()
}

// AddParent registers a dependency edge parent -> c of the given kind.
func (c *Checkable) AddParent(kind NotificationDependencyKind, parent *Checkable) {
	c.depMu.Lock()
	c.parents[kind] = append(c.parents[kind], parent)
	c.depMu.Unlock()
	parent.depMu.Lock()
	parent.children[kind] = append(parent.children[kind], c)
	parent.depMu.Unlock()
}

// Parents returns a snapshot of the direct parents of the given kind.
func (c *Checkable) Parents(kind NotificationDependencyKind) []*Checkable {
	c.depMu.RLock()
	defer c.depMu.RUnlock()
	out := make([]*Checkable, len(c.parents[kind]))
	copy(out, c.parents[kind])
	return out
}

// Children returns a snapshot of the direct children of the given kind.
func (c *Checkable) Children(kind NotificationDependencyKind) []*Checkable {
	c.depMu.RLock()
	defer c.depMu.RUnlock()
	out := make([]*Checkable, len(c.children[kind]))
	copy(out, c.children[kind])
	return out
}

// RecordFlapObservation folds one "did the stored state change" bit into
// the checkable's flapping history and refreshes the externally-visible
// snapshot fields (FlapCurrent, Flapping, FlapLastChange). Caller must
// hold c's lock.
func (c *Checkable) RecordFlapObservation(changed bool, now time.Time) {
	if c.flapHistory == nil {
		c.flapHistory = flapping.NewBuffer()
	}
	c.flapHistory.Record(changed, now.Unix(), c.FlappingThresholdLow, c.FlappingThresholdHigh)
	c.FlapCurrent = c.flapHistory.Percent
	if c.flapHistory.Flapping != c.Flapping {
		c.Flapping = c.flapHistory.Flapping
		c.FlapLastChange = now
	}
}

// IsFlapping reports the checkable's flapping state gated by the global
// and per-checkable enable flags.
func (c *Checkable) IsFlapping(globalEnabled bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Flapping && globalEnabled && c.EnableFlapping
}

// Acknowledge sets the acknowledgement mode and optional expiry (zero means
// "never"). Comment/notification side effects are the overlay's
// responsibility; this only records the state the result processor and
// scheduler read back.
func (c *Checkable) Acknowledge(ackType AckType, expiry time.Time) {
	c.mu.Lock()
	c.Acknowledgement = ackType
	c.AcknowledgementExpiry = expiry
	c.mu.Unlock()
}

// ClearAcknowledgement resets the acknowledgement to None.
func (c *Checkable) ClearAcknowledgement() {
	c.mu.Lock()
	c.Acknowledgement = AckNone
	c.AcknowledgementExpiry = time.Time{}
	c.mu.Unlock()
}

// IsAcknowledged reports whether an acknowledgement is currently active,
// expiring it first if its expiry has passed (expiry > 0 and expiry <=
// now auto-clears it).
func (c *Checkable) IsAcknowledged(now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Acknowledgement == AckNone {
		return false
	}
	if !c.AcknowledgementExpiry.IsZero() && !c.AcknowledgementExpiry.After(now) {
		c.Acknowledgement = AckNone
		c.AcknowledgementExpiry = time.Time{}
		return false
	}
	return true
}

// AckSnapshot returns the current acknowledgement mode and expiry without
// mutating anything (used by callers that only need to read, not expire).
func (c *Checkable) AckSnapshot() (AckType, time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Acknowledgement, c.AcknowledgementExpiry
}

// BeginSuppression marks t as suppressed while downtime or an
// acknowledgement is active. The first call since the suppression set was
// last empty samples StateBeforeSuppression from the checkable's current
// raw state.
func (c *Checkable) BeginSuppression(t NotificationType) {
	c.mu.Lock()
	if c.SuppressedNotifications == 0 {
		c.StateBeforeSuppression = c.StateRaw
	}
	c.SuppressedNotifications |= t.bit()
	c.mu.Unlock()
}

// EndSuppression clears the suppression bitset and reports whether
// anything was suppressed and, if so, the state sampled when suppression
// began — the caller (result processor) compares it against the state at
// the moment suppression ends to decide whether a deferred notification
// via FireSuppressedNotifications is warranted.
func (c *Checkable) EndSuppression() (wasSuppressed bool, stateBeforeSuppression int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	wasSuppressed = c.SuppressedNotifications != 0
	stateBeforeSuppression = c.StateBeforeSuppression
	c.SuppressedNotifications = 0
	return wasSuppressed, stateBeforeSuppression
}

// AddDependency attaches an explicit Dependency evaluated in
// addition to the implicit parent/child edges.
func (c *Checkable) AddDependency(d *Dependency) {
	c.depMu.Lock()
	c.deps = append(c.deps, d)
	c.depMu.Unlock()
}

// Dependencies returns a snapshot of explicit dependencies of the given type.
func (c *Checkable) Dependencies(kind NotificationDependencyKind) []*Dependency {
	c.depMu.RLock()
	defer c.depMu.RUnlock()
	var out []*Dependency
	for _, d := range c.deps {
		if d.Type == kind {
			out = append(out, d)
		}
	}
	return out
}
