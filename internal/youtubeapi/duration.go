package youtubeapi

import (
	"fmt"
	"strconv"
	"time"
)

// parseDuration parses the ISO-8601 durations returned in contentDetails,
// such as "PT4M13S", "P1DT2H" or "P0D".
func parseDuration(s string) (time.Duration, error) {
	if len(s) < 2 || s[0] != 'P' {
		return 0, fmt.Errorf("invalid ISO-8601 duration %q", s)
	}

	var total time.Duration
	inTime := false
	start := 1
	for i := 1; i < len(s); i++ {
		c := s[i]
		switch {
		case c == 'T':
			if inTime || i != start {
				return 0, fmt.Errorf("invalid ISO-8601 duration %q", s)
			}
			inTime = true
			start = i + 1
			continue
		case (c >= '0' && c <= '9') || c == '.':
			continue
		}

		if i == start {
			return 0, fmt.Errorf("invalid ISO-8601 duration %q", s)
		}
		value, err := strconv.ParseFloat(s[start:i], 64)
		if err != nil {
			return 0, fmt.Errorf("invalid ISO-8601 duration %q: %w", s, err)
		}

		var unit time.Duration
		switch {
		case c == 'W' && !inTime:
			unit = 7 * 24 * time.Hour
		case c == 'D' && !inTime:
			unit = 24 * time.Hour
		case c == 'H' && inTime:
			unit = time.Hour
		case c == 'M' && inTime:
			unit = time.Minute
		case c == 'S' && inTime:
			unit = time.Second
		default:
			return 0, fmt.Errorf("invalid ISO-8601 duration %q: unexpected %q", s, c)
		}
		total += time.Duration(value * float64(unit))
		start = i + 1
	}

	if start != len(s) {
		return 0, fmt.Errorf("invalid ISO-8601 duration %q: trailing number", s)
	}
	return total.Round(time.Millisecond), nil
}
