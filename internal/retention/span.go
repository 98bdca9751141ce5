package retention

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	day   = 24 * time.Hour
	week  = 7 * day
	month = 30 * day
	year  = 365 * day
)

var units = map[byte]time.Duration{
	's': time.Second,
	'm': time.Minute,
	'h': time.Hour,
	'D': day,
	'W': week,
	'M': month,
	'Y': year,
}

// ParseSpan parses spans such as "7D", "1Y6M" or "12h30m". Units are
// s, m, h, D, W, M (30 days) and Y (365 days). Plain Go durations are also
// accepted.
func ParseSpan(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty time span")
	}
	var total time.Duration
	rest := s
	for rest != "" {
		i := 0
		for i < len(rest) && rest[i] >= '0' && rest[i] <= '9' {
			i++
		}
		if i == 0 || i == len(rest) {
			if d, err := time.ParseDuration(s); err == nil && d > 0 {
				return d, nil
			}
			return 0, fmt.Errorf("invalid time span %q", s)
		}
		n, err := strconv.ParseInt(rest[:i], 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid time span %q: %w", s, err)
		}
		unit, ok := units[rest[i]]
		if !ok {
			if d, err := time.ParseDuration(s); err == nil && d > 0 {
				return d, nil
			}
			return 0, fmt.Errorf("invalid time span %q: unknown unit %q", s, rest[i])
		}
		total += time.Duration(n) * unit
		rest = rest[i+1:]
	}
	if total <= 0 {
		return 0, fmt.Errorf("time span %q must be positive", s)
	}
	return total, nil
}

// FormatSpan renders d using the largest units ParseSpan understands.
func FormatSpan(d time.Duration) string {
	if d <= 0 {
		return "0s"
	}
	var b strings.Builder
	for _, u := range []struct {
		c byte
		d time.Duration
	}{{'Y', year}, {'M', month}, {'W', week}, {'D', day}, {'h', time.Hour}, {'m', time.Minute}, {'s', time.Second}} {
		if n := d / u.d; n > 0 {
			fmt.Fprintf(&b, "%d%c", n, u.c)
			d -= n * u.d
		}
	}
	return b.String()
}
