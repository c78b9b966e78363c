package checker

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"syscall"
)

// runDirect executes job via a one-shot fork+exec, used only when the
// pooled persistent shell is unavailable. A dead shell worker must never
// block a check, so this degrades to the slower path rather than failing
// the check outright.
func (p *PluginPool) runDirect(job pluginJob) pluginResult {
	ctx, cancel := context.WithTimeout(context.Background(), job.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", job.command)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if ctx.Err() == context.DeadlineExceeded {
		return pluginResult{
			earlyTimeout: true,
			exitCode:     3,
			output:       fmt.Sprintf("(Check timed out after %.0f seconds)", job.timeout.Seconds()),
		}
	}
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok {
				return pluginResult{exitCode: ws.ExitStatus(), exitedOK: true, output: firstNonEmpty(stdout.String(), stderr.String())}
			}
			return pluginResult{exitCode: 2}
		}
		return pluginResult{exitCode: 127, output: fmt.Sprintf("(Could not execute plugin: %v)", err)}
	}
	return pluginResult{exitCode: 0, exitedOK: true, output: firstNonEmpty(stdout.String(), stderr.String())}
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}
