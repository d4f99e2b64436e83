/*
Velum Remailer - Mixminion-style anonymous remailer node.
Copyright © 2023-2024 The Velum contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package sconf

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

var intervalUnits = map[string]time.Duration{
	"second": time.Second,
	"sec":    time.Second,
	"minute": time.Minute,
	"min":    time.Minute,
	"hour":   time.Hour,
	"day":    24 * time.Hour,
	"week":   7 * 24 * time.Hour,
}

// parseInterval parses human-readable durations of the form
// '<number> <unit>', e.g. '30 minutes', '1.5 hours', '2 days'.
func parseInterval(s string) (time.Duration, error) {
	fields := strings.Fields(strings.ToLower(s))
	if len(fields) != 2 {
		return 0, fmt.Errorf("malformed interval %q", s)
	}
	n, err := strconv.ParseFloat(fields[0], 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("malformed interval %q", s)
	}
	unit, ok := intervalUnits[strings.TrimSuffix(fields[1], "s")]
	if !ok {
		return 0, fmt.Errorf("unknown interval unit in %q", s)
	}
	return time.Duration(n * float64(unit)), nil
}

// parseIntervalList parses a retry schedule: a comma-separated list of
// intervals, where each item is either a plain interval or
// 'every <interval> for <period>', which repeats the interval until the
// period is used up. For example
//
//	every 1 hour for 1 day, every 7 hours for 5 days
//
// yields 24 one-hour delays followed by 17 seven-hour ones.
func parseIntervalList(s string) ([]time.Duration, error) {
	var out []time.Duration
	for _, item := range strings.Split(s, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		lower := strings.ToLower(item)
		if strings.HasPrefix(lower, "every ") {
			rest := item[len("every "):]
			i := strings.Index(strings.ToLower(rest), " for ")
			if i < 0 {
				return nil, fmt.Errorf("malformed retry item %q", item)
			}
			interval, err := parseInterval(rest[:i])
			if err != nil {
				return nil, err
			}
			period, err := parseInterval(rest[i+len(" for "):])
			if err != nil {
				return nil, err
			}
			if interval <= 0 {
				return nil, fmt.Errorf("zero interval in retry item %q", item)
			}
			for total := time.Duration(0); total+interval <= period; total += interval {
				out = append(out, interval)
			}
			continue
		}
		interval, err := parseInterval(item)
		if err != nil {
			return nil, err
		}
		out = append(out, interval)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("empty retry schedule %q", s)
	}
	return out, nil
}

// formatInterval renders a duration the way parseInterval reads it,
// using the largest unit that divides it evenly.
func formatInterval(d time.Duration) string {
	for _, unit := range []struct {
		name string
		dur  time.Duration
	}{
		{"week", 7 * 24 * time.Hour},
		{"day", 24 * time.Hour},
		{"hour", time.Hour},
		{"minute", time.Minute},
	} {
		if d >= unit.dur && d%unit.dur == 0 {
			n := int64(d / unit.dur)
			if n == 1 {
				return fmt.Sprintf("1 %s", unit.name)
			}
			return fmt.Sprintf("%d %ss", n, unit.name)
		}
	}
	return fmt.Sprintf("%d seconds", int64(d/time.Second))
}
