// Package perfdata formats and parses the performance-data wire format:
// whitespace-joined 'label'=value[unit];warn;crit;min;max tokens, as
// emitted by check plugins and carried on CheckResult.PerformanceData.
package perfdata

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/fleetwatch/fleetwatch/internal/objects"
)

// Format renders points in the wire format a plugin or a cluster reply
// would emit: 'label'=value[unit];warn;crit;min;max, whitespace-joined.
func Format(points []objects.PerfDataPoint) string {
	tokens := make([]string, len(points))
	for i, p := range points {
		var b strings.Builder
		b.WriteByte('\'')
		b.WriteString(p.Label)
		b.WriteString("'=")
		b.WriteString(strconv.FormatFloat(p.Value, 'g', -1, 64))
		b.WriteString(p.Unit)
		b.WriteByte(';')
		writeOptionalFloat(&b, p.Warn)
		b.WriteByte(';')
		writeOptionalFloat(&b, p.Crit)
		b.WriteByte(';')
		writeOptionalFloat(&b, p.Min)
		b.WriteByte(';')
		writeOptionalFloat(&b, p.Max)
		tokens[i] = strings.TrimRight(b.String(), ";")
	}
	return strings.Join(tokens, " ")
}

func writeOptionalFloat(b *strings.Builder, v *float64) {
	if v != nil {
		b.WriteString(strconv.FormatFloat(*v, 'g', -1, 64))
	}
}

// Parse decodes a whitespace-separated performance-data string into its
// component points. A malformed token is reported with its 1-based
// position in the line; Parse does not partially apply a bad line.
func Parse(line string) ([]objects.PerfDataPoint, error) {
	fields := splitTokens(line)
	points := make([]objects.PerfDataPoint, 0, len(fields))
	for i, field := range fields {
		p, err := parseToken(field)
		if err != nil {
			return nil, fmt.Errorf("perfdata: token %d %q: %w", i+1, field, err)
		}
		points = append(points, p)
	}
	return points, nil
}

// splitTokens splits on whitespace outside of a quoted label, since a
// label itself may contain spaces (e.g. 'disk usage'=...).
func splitTokens(line string) []string {
	var tokens []string
	var cur strings.Builder
	inQuote := false
	for _, r := range line {
		switch {
		case r == '\'':
			inQuote = !inQuote
			cur.WriteRune(r)
		case r == ' ' && !inQuote:
			if cur.Len() > 0 {
				tokens = append(tokens, cur.String())
				cur.Reset()
			}
		default:
			cur.WriteRune(r)
		}
	}
	if cur.Len() > 0 {
		tokens = append(tokens, cur.String())
	}
	return tokens
}

func parseToken(token string) (objects.PerfDataPoint, error) {
	label, rest, ok := strings.Cut(token, "=")
	if !ok {
		return objects.PerfDataPoint{}, fmt.Errorf("missing '='")
	}
	label = strings.Trim(label, "'")

	parts := strings.Split(rest, ";")
	value, unit, err := splitValueUnit(parts[0])
	if err != nil {
		return objects.PerfDataPoint{}, err
	}

	p := objects.PerfDataPoint{Label: label, Value: value, Unit: unit}
	optionals := [...]**float64{&p.Warn, &p.Crit, &p.Min, &p.Max}
	for i, dst := range optionals {
		if i+1 >= len(parts) || parts[i+1] == "" {
			continue
		}
		f, err := strconv.ParseFloat(parts[i+1], 64)
		if err != nil {
			return objects.PerfDataPoint{}, fmt.Errorf("field %d: %w", i+2, err)
		}
		*dst = &f
	}
	return p, nil
}

// splitValueUnit separates a leading numeric value from a trailing unit
// suffix (e.g. "12.5ms" -> 12.5, "ms"; "100%" -> 100, "%").
func splitValueUnit(s string) (float64, string, error) {
	i := 0
	for i < len(s) && (isDigit(s[i]) || s[i] == '.' || s[i] == '-' || s[i] == '+') {
		i++
	}
	if i == 0 {
		return 0, "", fmt.Errorf("no numeric value in %q", s)
	}
	v, err := strconv.ParseFloat(s[:i], 64)
	if err != nil {
		return 0, "", err
	}
	return v, s[i:], nil
}

func isDigit(b byte) bool { return b >= '0' && b <= '9' }
