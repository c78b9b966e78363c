package objects

import (
	"context"
	"time"
)

// CheckPeriod is a time-window predicate. Configuration parsing, the
// templating language, and timeperiod range expansion are external
// concerns; the core only ever calls Contains.
type CheckPeriod interface {
	Contains(t time.Time) bool
}

// AlwaysOpen is the default CheckPeriod when none is configured: every
// instant is inside the period (24x7).
type AlwaysOpen struct{}

func (AlwaysOpen) Contains(time.Time) bool { return true }

// Macros is the opaque, already-resolved macro table handed to a
// CheckCommand at execution time. Macro substitution itself lives outside
// the core.
type Macros map[string]string

// CheckCommand is the external contract a check plugin implements.
// Execute may block arbitrarily long but must itself respect Timeout();
// the executor converts a panic or returned error into an Unknown
// CheckResult.
type CheckCommand interface {
	Name() string
	Timeout() time.Duration
	Execute(ctx context.Context, target *Checkable, cr *CheckResult, macros Macros, useResolvedMacros bool) error
}

// EventCommand is the contract for an event handler script, run on Soft
// state transitions, hard changes, recoveries, and non-OK volatile checks.
type EventCommand interface {
	Name() string
	Execute(ctx context.Context, target *Checkable, macros Macros) error
}

// Endpoint is a remote peer process capable of executing checks on our
// behalf. Transport framing, TLS, and reconnection
// are external concerns; the core only observes Connected/Authoritative
// and calls Send.
type Endpoint interface {
	Name() string
	Connected() bool
	Syncing() bool
	// Send delivers a ClusterMessage to the endpoint. The reply (if any)
	// arrives asynchronously through the caller's own channel, not as a
	// return value here.
	Send(ctx context.Context, msg ClusterMessage) error
}

// ClusterMessage is the wire shape of a cluster/remote message.
type ClusterMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  ClusterCheckParams `json:"params"`
}

// ClusterCheckParams carries the parameters of an "event::ExecuteCommand"
// cluster message.
type ClusterCheckParams struct {
	CommandType string `json:"command_type"` // "check_command" | "event_command"
	Command     string `json:"command"`
	Host        string `json:"host"`
	Service     string `json:"service,omitempty"`
	Macros      Macros `json:"macros"`
}

// NewClusterCheckMessage builds the canonical execute-command cluster
// message shape.
func NewClusterCheckMessage(commandType, command, host, service string, macros Macros) ClusterMessage {
	return ClusterMessage{
		JSONRPC: "2.0",
		Method:  "event::ExecuteCommand",
		Params: ClusterCheckParams{
			CommandType: commandType,
			Command:     command,
			Host:        host,
			Service:     service,
			Macros:      macros,
		},
	}
}
