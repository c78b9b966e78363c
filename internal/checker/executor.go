package checker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/fleetwatch/fleetwatch/internal/clock"
	"github.com/fleetwatch/fleetwatch/internal/objects"
	"github.com/fleetwatch/fleetwatch/internal/tracing"
)

// defaultRemoteTimeout is used when a checkable has no Command configured
// (a pure-passive or remote-only checkable) but still needs a timeout
// bound for the next_check-holdoff computation.
const defaultRemoteTimeout = 60 * time.Second

// staleAgentSweepInterval and staleAgentAge implement the agent-liveness
// background sweep.
const (
	staleAgentSweepInterval = 60 * time.Second
	staleAgentAge           = 60 * time.Second
	staleHeartbeatAge       = 300 * time.Second
)

// remoteSynthesisAge is the minimum process uptime before a disconnected
// endpoint's pending check is synthesized as Unknown rather than silently
// deferred.
const remoteSynthesisAge = 300 * time.Second

// MacroResolver resolves the opaque macro table a CheckCommand or cluster
// message needs. Macro substitution itself is handled elsewhere; Executor
// only consumes the resolved result.
type MacroResolver interface {
	Resolve(c *objects.Checkable) objects.Macros
}

// HeartbeatSource reports the last time a named remote endpoint was seen
// alive, for the stale-agent sweep. Left nil, every pending remote check
// is treated as having no heartbeat at all (maximally conservative).
type HeartbeatSource interface {
	LastHeartbeat(endpointName string) time.Time
}

// Executor implements scheduler.Executor: it produces a CheckResult for
// one checkable, either by running its CheckCommand locally or by
// dispatching it to a remote Endpoint, and hands the result to a
// Processor.
type Executor struct {
	log           *zap.Logger
	clock         clock.Source
	processor     *Processor
	localNodeName string
	macros        MacroResolver
	heartbeats    HeartbeatSource
	startedAt     time.Time

	mu            sync.Mutex
	remotePending map[*objects.Checkable]remoteDispatch
	breakers      map[string]*gobreaker.CircuitBreaker
}

type remoteDispatch struct {
	endpoint objects.Endpoint
	at       time.Time
}

// NewExecutor builds an Executor. localNodeName identifies this process in
// CheckResult.CheckSource and in the "not connected to" synthesis message.
func NewExecutor(log *zap.Logger, src clock.Source, processor *Processor, localNodeName string, macros MacroResolver, heartbeats HeartbeatSource) *Executor {
	if src == nil {
		src = clock.Real{}
	}
	return &Executor{
		log:           log,
		clock:         src,
		processor:     processor,
		localNodeName: localNodeName,
		macros:        macros,
		heartbeats:    heartbeats,
		startedAt:     src.Now(),
		remotePending: make(map[*objects.Checkable]remoteDispatch),
		breakers:      make(map[string]*gobreaker.CircuitBreaker),
	}
}

// breakerFor returns the circuit breaker guarding sends to the named
// endpoint, creating it on first use. Three consecutive send failures
// open the breaker; while open the endpoint is treated as disconnected,
// which routes pending checks into the Unknown-synthesis path instead of
// hammering a dead peer.
func (e *Executor) breakerFor(name string) *gobreaker.CircuitBreaker {
	e.mu.Lock()
	defer e.mu.Unlock()
	cb, ok := e.breakers[name]
	if !ok {
		cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    name,
			Timeout: 60 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
		})
		e.breakers[name] = cb
	}
	return cb
}

// ExecuteCheck satisfies scheduler.Executor. The scheduler guarantees c is
// already in its pending set and not concurrently dispatched elsewhere.
func (e *Executor) ExecuteCheck(ctx context.Context, c *objects.Checkable) {
	c.Lock()
	scheduleStart := c.NextCheck
	endpoint := c.CommandEndpoint
	c.CheckRunning = true
	c.Unlock()

	defer func() {
		c.Lock()
		c.CheckRunning = false
		c.Unlock()
	}()

	if endpoint != nil && endpoint.Name() != e.localNodeName {
		e.dispatchRemote(ctx, c, endpoint, scheduleStart)
		return
	}
	e.dispatchLocal(ctx, c, scheduleStart)
}

func (e *Executor) resolveMacros(c *objects.Checkable) objects.Macros {
	if e.macros == nil {
		return nil
	}
	return e.macros.Resolve(c)
}

// dispatchLocal runs the checkable's CheckCommand synchronously and hands
// the result straight to the processor.
func (e *Executor) dispatchLocal(ctx context.Context, c *objects.Checkable, scheduleStart time.Time) {
	now := e.clock.Now()
	cr := &objects.CheckResult{
		Active:        true,
		ScheduleStart: scheduleStart,
		ScheduleEnd:   now,
	}

	c.Lock()
	cmd := c.Command
	c.Unlock()

	if cmd == nil {
		cr.State = unknownRaw(c.Kind)
		cr.Output = "(No check command configured)"
		cr.ExecutionStart = now
		cr.ExecutionEnd = now
	} else {
		macros := e.resolveMacros(c)
		cctx := ctx
		if cmd.Timeout() > 0 {
			var cancel context.CancelFunc
			cctx, cancel = context.WithTimeout(ctx, cmd.Timeout())
			defer cancel()
		}
		if err := cmd.Execute(cctx, c, cr, macros, true); err != nil {
			cr.State = unknownRaw(c.Kind)
			cr.Output = fmt.Sprintf("(Check command execution failed: %v)", err)
		}
	}

	if cr.ExecutionStart.IsZero() {
		cr.ExecutionStart = e.clock.Now()
	}
	if cr.ExecutionEnd.IsZero() {
		cr.ExecutionEnd = e.clock.Now()
	}
	cr.CheckSource = e.localNodeName

	e.processor.ProcessCheckResult(ctx, c, cr, "local")
}

// dispatchRemote handles the remote path: connected endpoints get an
// async send plus a holdoff on next_check; disconnected endpoints either
// synthesize an Unknown result (past the grace period) or are left
// untouched. Only a successful send is tracked for the stale-agent sweep;
// a deferred checkable is not.
func (e *Executor) dispatchRemote(ctx context.Context, c *objects.Checkable, endpoint objects.Endpoint, scheduleStart time.Time) {
	now := e.clock.Now()
	breaker := e.breakerFor(endpoint.Name())

	if endpoint.Connected() && breaker.State() != gobreaker.StateOpen {
		c.Lock()
		cmd := c.Command
		c.Unlock()

		timeout := defaultRemoteTimeout
		commandName := ""
		if cmd != nil {
			commandName = cmd.Name()
			if cmd.Timeout() > 0 {
				timeout = cmd.Timeout()
			}
		}

		host, service := splitCheckableName(c)
		msg := objects.NewClusterCheckMessage("check_command", commandName, host, service, e.resolveMacros(c))

		sctx, span := tracing.StartRemoteDispatch(ctx, endpoint.Name(), commandName, c.Name)
		_, err := breaker.Execute(func() (interface{}, error) {
			return nil, endpoint.Send(sctx, msg)
		})
		if err == nil {
			span.End()
			c.SetNextCheck(now.Add(timeout + 30*time.Second))
			e.trackRemoteDispatch(c, endpoint, now)
			return
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "remote send failed")
		span.End()
		if e.log != nil {
			e.log.Warn("checker: remote send failed", zap.String("checkable", c.Name), zap.String("endpoint", endpoint.Name()))
		}
	}

	if (!endpoint.Connected() || breaker.State() == gobreaker.StateOpen) && now.Sub(e.startedAt) > remoteSynthesisAge && !endpoint.Syncing() {
		cr := &objects.CheckResult{
			Active:         true,
			State:          unknownRaw(c.Kind),
			Output:         fmt.Sprintf("Remote instance '%s' is not connected to '%s'", endpoint.Name(), e.localNodeName),
			ScheduleStart:  scheduleStart,
			ScheduleEnd:    now,
			ExecutionStart: now,
			ExecutionEnd:   now,
			CheckSource:    endpoint.Name(),
		}
		e.processor.ProcessCheckResult(ctx, c, cr, "remote-timeout")
		return
	}
	// Within the grace period: silently defer. Nothing was sent, so
	// nothing is tracked for the stale-agent sweep either.
}

func (e *Executor) trackRemoteDispatch(c *objects.Checkable, endpoint objects.Endpoint, at time.Time) {
	e.mu.Lock()
	e.remotePending[c] = remoteDispatch{endpoint: endpoint, at: at}
	e.mu.Unlock()
}

func (e *Executor) untrackRemoteDispatch(c *objects.Checkable) {
	e.mu.Lock()
	delete(e.remotePending, c)
	e.mu.Unlock()
}

// ProcessRemoteResult is the entrypoint the cluster-transport layer calls
// when an asynchronous reply to a previously-dispatched remote check
// arrives. The reply is a first-class event that reuses ProcessCheckResult;
// no suspended call stack is preserved across the round trip.
func (e *Executor) ProcessRemoteResult(ctx context.Context, c *objects.Checkable, cr *objects.CheckResult) {
	e.untrackRemoteDispatch(c)
	if cr.CheckSource == "" {
		c.Lock()
		if c.CommandEndpoint != nil {
			cr.CheckSource = c.CommandEndpoint.Name()
		}
		c.Unlock()
	}
	e.processor.ProcessCheckResult(ctx, c, cr, "remote")
}

// RunStaleAgentSweep drives the 60 s agent-liveness background sweep
// until ctx is cancelled. Any checkable dispatched remotely more
// than staleAgentAge ago whose endpoint's last heartbeat is older than
// staleHeartbeatAge is force-completed with Critical/"Agent isn't
// responding."
func (e *Executor) RunStaleAgentSweep(ctx context.Context) {
	ticker := time.NewTicker(staleAgentSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.sweepStaleAgents(ctx)
		}
	}
}

func (e *Executor) sweepStaleAgents(ctx context.Context) {
	now := e.clock.Now()

	e.mu.Lock()
	var stale []*objects.Checkable
	for c, rd := range e.remotePending {
		if now.Sub(rd.at) < staleAgentAge {
			continue
		}
		lastSeen := time.Time{}
		if e.heartbeats != nil {
			lastSeen = e.heartbeats.LastHeartbeat(rd.endpoint.Name())
		}
		if lastSeen.IsZero() || now.Sub(lastSeen) > staleHeartbeatAge {
			stale = append(stale, c)
		}
	}
	for _, c := range stale {
		delete(e.remotePending, c)
	}
	e.mu.Unlock()

	for _, c := range stale {
		cr := &objects.CheckResult{
			Active:         true,
			State:          criticalOrDownRaw(c.Kind),
			Output:         "Agent isn't responding.",
			ScheduleStart:  now,
			ScheduleEnd:    now,
			ExecutionStart: now,
			ExecutionEnd:   now,
			CheckSource:    e.localNodeName,
		}
		e.processor.ProcessCheckResult(ctx, c, cr, "stale-agent-sweep")
	}
}

// criticalOrDownRaw is the "definite problem" raw state used by the
// stale-agent sweep: Critical for a Service, Down for a Host.
func criticalOrDownRaw(kind objects.Kind) int {
	if kind == objects.KindHost {
		return objects.HostDown
	}
	return objects.ServiceCritical
}
