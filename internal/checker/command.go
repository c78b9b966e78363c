package checker

import (
	"context"
	"strings"
	"time"

	"github.com/fleetwatch/fleetwatch/internal/objects"
	"github.com/fleetwatch/fleetwatch/internal/perfdata"
)

// ShellCheckCommand is a CheckCommand that runs a plugin command line
// through a shared PluginPool. It owns no Checkable state — Execute
// receives everything it needs as arguments, treating a resolved command
// line and macro table as opaque inputs rather than reaching back into
// configuration itself.
type ShellCheckCommand struct {
	name        string
	commandLine string
	timeout     time.Duration
	pool        *PluginPool
}

// NewShellCheckCommand builds a local plugin command bound to pool.
func NewShellCheckCommand(name, commandLine string, timeout time.Duration, pool *PluginPool) *ShellCheckCommand {
	return &ShellCheckCommand{name: name, commandLine: commandLine, timeout: timeout, pool: pool}
}

func (s *ShellCheckCommand) Name() string          { return s.name }
func (s *ShellCheckCommand) Timeout() time.Duration { return s.timeout }

// Execute runs the resolved command line and fills cr. It never returns an
// error for a plugin-side failure — exit codes and timeouts become part of
// the CheckResult, so a failing check looks identical to one that legitimately
// returns Unknown. A non-nil error means the executor itself could not even
// submit the job (e.g. ctx already cancelled).
func (s *ShellCheckCommand) Execute(ctx context.Context, target *objects.Checkable, cr *objects.CheckResult, macros objects.Macros, useResolvedMacros bool) error {
	line := s.commandLine
	if useResolvedMacros {
		line = expandMacros(line, macros)
	}

	cr.Command = line
	cr.ExecutionStart = time.Now()

	timeout := s.timeout
	if d, ok := ctx.Deadline(); ok {
		if remaining := time.Until(d); remaining > 0 && remaining < timeout {
			timeout = remaining
		}
	}

	res := s.pool.Run(line, timeout)
	cr.ExecutionEnd = time.Now()

	kind := objects.KindService
	if target != nil {
		kind = target.Kind
	}
	cr.State = mapExitCode(kind, res)

	parsed := parseCheckOutput(res.output)
	cr.Output = augmentReturnCodeOutput(res, parsed.ShortOutput)
	cr.LongOutput = parsed.LongOutput
	cr.PerformanceData = parsePerfData(parsed.PerfData)
	return nil
}

// expandMacros performs the trivial $NAME$ substitution the core is handed
// an already-resolved table for. Macro substitution itself lives outside
// this package; the core only ever consumes the resolved result.
func expandMacros(line string, macros objects.Macros) string {
	if len(macros) == 0 {
		return line
	}
	for k, v := range macros {
		line = strings.ReplaceAll(line, "$"+k+"$", v)
	}
	return line
}

// mapExitCode converts a plugin's exit-code convention (0=OK, 1=Warning,
// 2=Critical, 3=Unknown) into the checkable's own state space. Hosts have
// no plugin state of their own — host state is always derived from owned
// services — so mapExitCode is only meaningful for KindService; it is
// still total so a misconfigured direct host command degrades gracefully
// rather than panicking.
//
// A timed-out or failed-to-execute invocation is not a plugin verdict:
// it maps to Unknown regardless of kind, so a broken runner never reads
// as a confirmed Critical/Down.
func mapExitCode(kind objects.Kind, res pluginResult) int {
	if res.earlyTimeout || !res.exitedOK {
		if kind == objects.KindHost {
			return objects.HostUnknown
		}
		return objects.ServiceUnknown
	}
	if kind == objects.KindHost {
		if res.exitCode == 0 {
			return objects.HostUp
		}
		return objects.HostDown
	}
	switch res.exitCode {
	case 0:
		return objects.ServiceOK
	case 1:
		return objects.ServiceWarning
	case 3:
		return objects.ServiceUnknown
	default:
		return objects.ServiceCritical
	}
}

// parsedOutput is the short/long/perfdata split of raw plugin output.
type parsedOutput struct {
	ShortOutput string
	LongOutput  string
	PerfData    string
}

// parseCheckOutput splits plugin output on the first "|" into short output
// plus performance data, and on subsequent lines' "|" into long output
// plus additional performance data, per the Nagios plugin output
// convention.
func parseCheckOutput(raw string) parsedOutput {
	if raw == "" {
		return parsedOutput{}
	}
	lines := strings.Split(raw, "\n")
	var p parsedOutput
	var longLines, perfLines []string
	inPerf := false

	for i, line := range lines {
		if i == 0 {
			if idx := strings.Index(line, "|"); idx >= 0 {
				p.ShortOutput = strings.TrimSpace(line[:idx])
				perfLines = append(perfLines, strings.TrimSpace(line[idx+1:]))
			} else {
				p.ShortOutput = strings.TrimSpace(line)
			}
			continue
		}
		if inPerf {
			perfLines = append(perfLines, strings.TrimSpace(line))
			continue
		}
		if idx := strings.Index(line, "|"); idx >= 0 {
			longLines = append(longLines, strings.TrimSpace(line[:idx]))
			inPerf = true
			if rest := strings.TrimSpace(line[idx+1:]); rest != "" {
				perfLines = append(perfLines, rest)
			}
			continue
		}
		longLines = append(longLines, line)
	}

	p.ShortOutput = strings.ReplaceAll(p.ShortOutput, ";", ":")
	for i, l := range longLines {
		longLines[i] = strings.ReplaceAll(l, ";", ":")
	}
	p.LongOutput = strings.Join(longLines, "\n")
	p.PerfData = strings.Join(perfLines, " ")
	return p
}

// augmentReturnCodeOutput supplies a diagnostic message for the out-of-
// bounds exit codes 126/127 when the plugin produced no output of its own.
func augmentReturnCodeOutput(res pluginResult, output string) string {
	if output != "" {
		return output
	}
	switch res.exitCode {
	case 126:
		return "(Return code of 126 is out of bounds - plugin may not be executable)"
	case 127:
		return "(Return code of 127 is out of bounds - plugin may be missing)"
	}
	return output
}

// parsePerfData parses the Nagios perfdata wire format,
// 'label'=value[unit];warn;crit;min;max whitespace-joined, via the shared
// perfdata codec. Malformed perfdata drops silently: a plugin with broken
// perfdata still produces a usable state and output.
func parsePerfData(raw string) []objects.PerfDataPoint {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	points, err := perfdata.Parse(raw)
	if err != nil {
		return nil
	}
	return points
}
