package perfdata

import (
	"testing"

	"github.com/fleetwatch/fleetwatch/internal/objects"
)

func f(v float64) *float64 { return &v }

func TestFormatBasic(t *testing.T) {
	points := []objects.PerfDataPoint{
		{Label: "load1", Value: 0.5, Warn: f(4), Crit: f(8)},
	}
	got := Format(points)
	want := "'load1'=0.5;4;8"
	if got != want {
		t.Fatalf("Format = %q, want %q", got, want)
	}
}

func TestFormatWithUnitAndAllThresholds(t *testing.T) {
	points := []objects.PerfDataPoint{
		{Label: "disk usage", Value: 72.3, Unit: "%", Warn: f(80), Crit: f(90), Min: f(0), Max: f(100)},
	}
	got := Format(points)
	want := "'disk usage'=72.3%;80;90;0;100"
	if got != want {
		t.Fatalf("Format = %q, want %q", got, want)
	}
}

func TestFormatNoThresholdsOmitsTrailingSemicolons(t *testing.T) {
	points := []objects.PerfDataPoint{{Label: "rta", Value: 12.5, Unit: "ms"}}
	got := Format(points)
	want := "'rta'=12.5ms"
	if got != want {
		t.Fatalf("Format = %q, want %q", got, want)
	}
}

func TestParseRoundTrip(t *testing.T) {
	points := []objects.PerfDataPoint{
		{Label: "load1", Value: 0.5, Warn: f(4), Crit: f(8)},
		{Label: "disk usage", Value: 72.3, Unit: "%", Warn: f(80), Crit: f(90), Min: f(0), Max: f(100)},
	}
	line := Format(points)

	got, err := Parse(line)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Parse returned %d points, want 2", len(got))
	}
	if got[0].Label != "load1" || got[0].Value != 0.5 || *got[0].Warn != 4 || *got[0].Crit != 8 {
		t.Fatalf("point 0 = %+v", got[0])
	}
	if got[1].Label != "disk usage" || got[1].Unit != "%" || got[1].Value != 72.3 {
		t.Fatalf("point 1 = %+v", got[1])
	}
	if got[1].Min == nil || *got[1].Min != 0 || got[1].Max == nil || *got[1].Max != 100 {
		t.Fatalf("point 1 thresholds = %+v", got[1])
	}
}

func TestParseMissingEqualsIsAnError(t *testing.T) {
	if _, err := Parse("'load1'0.5"); err == nil {
		t.Fatalf("expected an error for a token with no '='")
	}
}

func TestParseEmptyLineYieldsNoPoints(t *testing.T) {
	got, err := Parse("")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("Parse(\"\") = %v, want empty", got)
	}
}
