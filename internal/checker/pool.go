package checker

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log"
	"sync/atomic"
	"time"
)

// pluginJob is one command invocation submitted to the PluginPool.
type pluginJob struct {
	command string
	timeout time.Duration
	reply   chan pluginResult
}

// pluginResult is what a worker sends back once the job completes.
type pluginResult struct {
	output       string
	exitCode     int
	earlyTimeout bool
	exitedOK     bool
}

// PluginPool runs shell plugin commands through a fixed-size worker pool:
// each worker owns a persistent /bin/sh process so that checking a fleet
// of hundreds of thousands of services never pays a fork() from the
// (large, many-goroutine) Go parent process per check. This is the
// concrete local-invocation engine a ShellCheckCommand submits work to;
// PluginPool itself has no notion of Checkable or CheckResult — it only
// knows shell commands and timeouts.
type PluginPool struct {
	jobCh       chan pluginJob
	jobsRunning atomic.Int64
	workers     int
	sentinel    string
}

// NewPluginPool starts workers persistent shell workers. workers<=0 falls
// back to 256.
func NewPluginPool(workers int) *PluginPool {
	if workers <= 0 {
		workers = 256
	}
	sentinelBytes := make([]byte, 16)
	if _, err := rand.Read(sentinelBytes); err != nil {
		log.Printf("checker: could not generate random sentinel: %v", err)
	}
	p := &PluginPool{
		jobCh:    make(chan pluginJob, workers*4),
		workers:  workers,
		sentinel: hex.EncodeToString(sentinelBytes),
	}
	for i := 0; i < workers; i++ {
		go p.worker()
	}
	return p
}

// Workers reports the configured pool size.
func (p *PluginPool) Workers() int { return p.workers }

// JobsRunning reports the current number of executing plugin invocations.
func (p *PluginPool) JobsRunning() int64 { return p.jobsRunning.Load() }

// Run submits command for execution and blocks until it completes or ctx's
// deadline (communicated via timeout) expires.
func (p *PluginPool) Run(command string, timeout time.Duration) pluginResult {
	job := pluginJob{command: command, timeout: timeout, reply: make(chan pluginResult, 1)}
	select {
	case p.jobCh <- job:
	default:
		// Buffer full: spawn a short-lived goroutine so a burst of checks
		// never blocks the caller (the scheduler's worker pool already
		// bounds concurrency; this just avoids a channel-send deadlock).
		go func() { p.jobCh <- job }()
	}
	return <-job.reply
}

// Stop shuts down the pool by closing the job queue; each worker exits
// after finishing the jobs already queued. Stop returns immediately and
// does not wait for in-flight jobs to drain.
func (p *PluginPool) Stop() { close(p.jobCh) }

func (p *PluginPool) worker() {
	sw, err := newShellWorker(p.sentinel)
	if err != nil {
		log.Printf("checker: plugin pool worker could not start shell, falling back to direct exec: %v", err)
		sw = nil
	}
	defer func() {
		if sw != nil {
			sw.Close()
		}
	}()

	for job := range p.jobCh {
		p.jobsRunning.Add(1)
		res := p.runOne(&sw, job)
		p.jobsRunning.Add(-1)
		job.reply <- res
	}
}

func (p *PluginPool) runOne(sw **shellWorker, job pluginJob) pluginResult {
	if *sw != nil && (*sw).alive {
		if res, ok := p.runViaShell(*sw, job); ok {
			return res
		}
		(*sw).Close()
		*sw = nil
	}
	nsw, err := newShellWorker(p.sentinel)
	if err == nil {
		*sw = nsw
		if res, ok := p.runViaShell(*sw, job); ok {
			return res
		}
	}
	return p.runDirect(job)
}

func (p *PluginPool) runViaShell(sw *shellWorker, job pluginJob) (pluginResult, bool) {
	output, exitCode, err := sw.Run(job.command, job.timeout)
	if err != nil {
		if !sw.alive {
			return pluginResult{
				earlyTimeout: true,
				exitCode:     3,
				output:       fmt.Sprintf("(Check timed out after %.0f seconds)", job.timeout.Seconds()),
			}, true
		}
		return pluginResult{}, false
	}
	return pluginResult{output: output, exitCode: exitCode, exitedOK: true}, true
}
