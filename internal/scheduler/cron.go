// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package scheduler

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// CronExpr is a parsed 5-field cron expression. Each field is a bit set
// over its legal range.
type CronExpr struct {
	minutes uint64 // 0-59
	hours   uint32 // 0-23
	days    uint32 // 1-31
	months  uint16 // 1-12
	dows    uint8  // 0-6, 0 = Sunday
}

var cronAliases = map[string]string{
	"@hourly":   "0 * * * *",
	"@daily":    "0 0 * * *",
	"@midnight": "0 0 * * *",
	"@weekly":   "0 0 * * 0",
	"@monthly":  "0 0 1 * *",
	"@yearly":   "0 0 1 1 *",
	"@annually": "0 0 1 1 *",
}

// ParseCron parses `minute hour day-of-month month day-of-week`, with
// wildcards, lists, ranges, steps and the common @-aliases.
func ParseCron(expr string) (*CronExpr, error) {
	if alias, ok := cronAliases[strings.ToLower(strings.TrimSpace(expr))]; ok {
		expr = alias
	}

	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return nil, fmt.Errorf("cron: expected 5 fields, got %d", len(fields))
	}

	var c CronExpr
	specs := []struct {
		name     string
		min, max int
		set      func(uint64)
	}{
		{"minute", 0, 59, func(b uint64) { c.minutes = b }},
		{"hour", 0, 23, func(b uint64) { c.hours = uint32(b) }},
		{"day-of-month", 1, 31, func(b uint64) { c.days = uint32(b) }},
		{"month", 1, 12, func(b uint64) { c.months = uint16(b) }},
		{"day-of-week", 0, 6, func(b uint64) { c.dows = uint8(b) }},
	}
	for i, spec := range specs {
		bits, err := parseCronField(fields[i], spec.min, spec.max)
		if err != nil {
			return nil, fmt.Errorf("cron: invalid %s field: %w", spec.name, err)
		}
		spec.set(bits)
	}
	return &c, nil
}

// parseCronField builds the bit set for one field. Accepts "*", single
// values, ranges, comma lists, and step suffixes on any of those.
func parseCronField(field string, min, max int) (uint64, error) {
	var bits uint64
	for _, part := range strings.Split(field, ",") {
		step := 1
		if idx := strings.Index(part, "/"); idx != -1 {
			n, err := strconv.Atoi(part[idx+1:])
			if err != nil || n <= 0 {
				return 0, fmt.Errorf("bad step %q", part[idx+1:])
			}
			step = n
			part = part[:idx]
		}

		start, end := min, max
		switch {
		case part == "*":
		case strings.Contains(part, "-"):
			lo, hi, _ := strings.Cut(part, "-")
			var err error
			if start, err = strconv.Atoi(lo); err != nil {
				return 0, fmt.Errorf("bad range start %q", lo)
			}
			if end, err = strconv.Atoi(hi); err != nil {
				return 0, fmt.Errorf("bad range end %q", hi)
			}
		default:
			n, err := strconv.Atoi(part)
			if err != nil {
				return 0, fmt.Errorf("bad value %q", part)
			}
			start, end = n, n
		}

		if start < min || end > max || start > end {
			return 0, fmt.Errorf("range %d-%d outside [%d,%d]", start, end, min, max)
		}
		for v := start; v <= end; v += step {
			bits |= 1 << uint(v)
		}
	}
	return bits, nil
}

// Next returns the first matching time strictly after from, in from's
// location. The zero time means no match within the search horizon.
func (c *CronExpr) Next(from time.Time) time.Time {
	t := from.Truncate(time.Minute).Add(time.Minute)
	horizon := from.AddDate(4, 0, 0)

	for t.Before(horizon) {
		if c.months&(1<<uint(t.Month())) == 0 {
			t = time.Date(t.Year(), t.Month()+1, 1, 0, 0, 0, 0, t.Location())
			continue
		}
		if c.days&(1<<uint(t.Day())) == 0 || c.dows&(1<<uint(t.Weekday())) == 0 {
			t = time.Date(t.Year(), t.Month(), t.Day()+1, 0, 0, 0, 0, t.Location())
			continue
		}
		if c.hours&(1<<uint(t.Hour())) == 0 {
			t = time.Date(t.Year(), t.Month(), t.Day(), t.Hour()+1, 0, 0, 0, t.Location())
			continue
		}
		if c.minutes&(1<<uint(t.Minute())) == 0 {
			t = t.Add(time.Minute)
			continue
		}
		return t
	}
	return time.Time{}
}
