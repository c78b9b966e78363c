package checker

import (
	"context"
	"testing"
	"time"

	"github.com/fleetwatch/fleetwatch/internal/objects"
)

func TestShellCheckCommandOK(t *testing.T) {
	pool := NewPluginPool(2)
	defer pool.Stop()

	cmd := NewShellCheckCommand("test", "echo 'all good|load=0.5;1;2'", 5*time.Second, pool)
	svc := objects.NewService("host1", "svc1", time.Minute, nil)
	cr := &objects.CheckResult{}

	if err := cmd.Execute(context.Background(), svc.Checkable, cr, nil, false); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if cr.State != objects.ServiceOK {
		t.Fatalf("expected ServiceOK, got %d", cr.State)
	}
	if cr.Output != "all good" {
		t.Fatalf("unexpected output: %q", cr.Output)
	}
	if len(cr.PerformanceData) != 1 || cr.PerformanceData[0].Label != "load" {
		t.Fatalf("unexpected perfdata: %+v", cr.PerformanceData)
	}
}

func TestShellCheckCommandCritical(t *testing.T) {
	pool := NewPluginPool(2)
	defer pool.Stop()

	cmd := NewShellCheckCommand("test", "exit 2", 5*time.Second, pool)
	svc := objects.NewService("host1", "svc1", time.Minute, nil)
	cr := &objects.CheckResult{}

	if err := cmd.Execute(context.Background(), svc.Checkable, cr, nil, false); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if cr.State != objects.ServiceCritical {
		t.Fatalf("expected ServiceCritical, got %d", cr.State)
	}
}

func TestShellCheckCommandTimeout(t *testing.T) {
	pool := NewPluginPool(1)
	defer pool.Stop()

	cmd := NewShellCheckCommand("test", "sleep 5", 200*time.Millisecond, pool)
	svc := objects.NewService("host1", "svc1", time.Minute, nil)
	cr := &objects.CheckResult{}

	if err := cmd.Execute(context.Background(), svc.Checkable, cr, nil, false); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if cr.State != objects.ServiceUnknown {
		t.Fatalf("expected ServiceUnknown on timeout, got %d", cr.State)
	}
}

func TestShellCheckCommandMacroExpansion(t *testing.T) {
	pool := NewPluginPool(1)
	defer pool.Stop()

	cmd := NewShellCheckCommand("test", "echo $HOSTNAME$", 5*time.Second, pool)
	svc := objects.NewService("host1", "svc1", time.Minute, nil)
	cr := &objects.CheckResult{}
	macros := objects.Macros{"HOSTNAME": "web01"}

	if err := cmd.Execute(context.Background(), svc.Checkable, cr, macros, true); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if cr.Output != "web01" {
		t.Fatalf("expected macro-expanded output, got %q", cr.Output)
	}
}

func TestParseCheckOutputLongOutputAndPerfData(t *testing.T) {
	raw := "short|a=1\nlong line 1\nlong line 2|b=2;3;4"
	p := parseCheckOutput(raw)
	if p.ShortOutput != "short" {
		t.Errorf("short output = %q", p.ShortOutput)
	}
	if p.LongOutput != "long line 1\nlong line 2" {
		t.Errorf("long output = %q", p.LongOutput)
	}
	perf := parsePerfData(p.PerfData)
	if len(perf) != 2 {
		t.Fatalf("expected 2 perfdata points, got %d: %+v", len(perf), perf)
	}
}

func TestParsePerfDataThresholds(t *testing.T) {
	pts := parsePerfData("'response time'=0.5s;1;2;0;10")
	if len(pts) != 1 {
		t.Fatalf("expected 1 point, got %d", len(pts))
	}
	pt := pts[0]
	if pt.Label != "response time" || pt.Unit != "s" || pt.Value != 0.5 {
		t.Fatalf("unexpected point: %+v", pt)
	}
	if pt.Warn == nil || *pt.Warn != 1 || pt.Crit == nil || *pt.Crit != 2 {
		t.Fatalf("unexpected thresholds: %+v", pt)
	}
}

func TestMapExitCodeHost(t *testing.T) {
	if got := mapExitCode(objects.KindHost, pluginResult{exitedOK: true, exitCode: 0}); got != objects.HostUp {
		t.Errorf("expected HostUp, got %d", got)
	}
	if got := mapExitCode(objects.KindHost, pluginResult{exitedOK: true, exitCode: 2}); got != objects.HostDown {
		t.Errorf("expected HostDown, got %d", got)
	}
}

func TestAugmentReturnCodeOutputFor127(t *testing.T) {
	out := augmentReturnCodeOutput(pluginResult{exitCode: 127}, "")
	if out == "" {
		t.Fatal("expected diagnostic message for exit 127")
	}
}
