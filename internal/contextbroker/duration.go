package contextbroker

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/smallbiznis/accountingproxy/internal/contextbroker/domain"
	"github.com/sosodev/duration"
)

// A year counts as 365 days and a month as 30 days.
const (
	hoursPerYear  = 365 * 24
	hoursPerMonth = 30 * 24
	hoursPerWeek  = 7 * 24
	hoursPerDay   = 24
)

// parseISODuration parses an ISO-8601 duration such as "P1M" or "PT10S".
// Negative durations and durations beyond the time.Duration range are
// rejected.
func parseISODuration(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "P" || strings.HasSuffix(raw, "T") {
		return 0, fmt.Errorf("%w: invalid duration %q", domain.ErrWrongPayload, raw)
	}
	d, err := duration.Parse(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid duration %q: %v", domain.ErrWrongPayload, raw, err)
	}
	if d.Negative {
		return 0, fmt.Errorf("%w: negative duration %q", domain.ErrWrongPayload, raw)
	}

	hours := d.Years*hoursPerYear + d.Months*hoursPerMonth + d.Weeks*hoursPerWeek + d.Days*hoursPerDay + d.Hours
	seconds := hours*3600 + d.Minutes*60 + d.Seconds
	nanos := seconds * float64(time.Second)
	if math.IsNaN(nanos) || nanos < 0 || nanos >= math.MaxInt64 {
		return 0, fmt.Errorf("%w: duration %q out of range", domain.ErrWrongPayload, raw)
	}
	return time.Duration(math.Round(nanos)), nil
}
