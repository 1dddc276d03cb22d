// Package schedule runs named jobs on 5-field cron expressions, with an
// on-demand trigger per job.
package schedule

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// cronField is the set of values one cron field matches, as a bitmask.
type cronField struct {
	bits     uint64
	wildcard bool
}

func (f cronField) matches(v int) bool {
	return f.bits&(1<<uint(v)) != 0
}

type fieldBounds struct {
	name     string
	min, max int
}

var bounds = [5]fieldBounds{
	{"minute", 0, 59},
	{"hour", 0, 23},
	{"day-of-month", 1, 31},
	{"month", 1, 12},
	{"day-of-week", 0, 7},
}

// parseCronField parses one field: "*", "*/15", "5", "1-5", "0-30/10" or a
// comma-separated list of those.
func parseCronField(field string, b fieldBounds) (cronField, error) {
	var f cronField
	for _, part := range strings.Split(field, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			return cronField{}, fmt.Errorf("empty %s value", b.name)
		}

		rangePart, step := part, 1
		if i := strings.IndexByte(part, '/'); i >= 0 {
			n, err := strconv.Atoi(part[i+1:])
			if err != nil || n <= 0 {
				return cronField{}, fmt.Errorf("invalid %s step %q", b.name, part[i+1:])
			}
			rangePart, step = part[:i], n
		}

		lo, hi := b.min, b.max
		switch {
		case rangePart == "*":
			if step == 1 {
				f.wildcard = true
			}
		case strings.Contains(rangePart, "-"):
			from, to, _ := strings.Cut(rangePart, "-")
			var err error
			if lo, err = strconv.Atoi(from); err != nil {
				return cronField{}, fmt.Errorf("invalid %s value %q: %w", b.name, from, err)
			}
			if hi, err = strconv.Atoi(to); err != nil {
				return cronField{}, fmt.Errorf("invalid %s value %q: %w", b.name, to, err)
			}
		default:
			v, err := strconv.Atoi(rangePart)
			if err != nil {
				return cronField{}, fmt.Errorf("invalid %s value %q: %w", b.name, rangePart, err)
			}
			lo, hi = v, v
			if step > 1 {
				hi = b.max
			}
		}

		if lo < b.min || hi > b.max || lo > hi {
			return cronField{}, fmt.Errorf("%s range %d-%d outside %d-%d", b.name, lo, hi, b.min, b.max)
		}
		for v := lo; v <= hi; v += step {
			f.bits |= 1 << uint(v)
		}
	}
	return f, nil
}

// Schedule is a parsed cron expression.
type Schedule struct {
	expr       string
	minute     cronField
	hour       cronField
	dayOfMonth cronField
	month      cronField
	dayOfWeek  cronField
}

// Parse parses a 5-field cron expression:
// "minute hour day-of-month month day-of-week".
//
// Example: "0 3 1 * *" runs at 03:00 on the 1st of every month. Day of week
// accepts 0 and 7 for Sunday.
func Parse(expr string) (Schedule, error) {
	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return Schedule{}, fmt.Errorf("schedule: cron expression %q must have 5 fields, got %d", expr, len(fields))
	}

	var parsed [5]cronField
	for i, field := range fields {
		f, err := parseCronField(field, bounds[i])
		if err != nil {
			return Schedule{}, fmt.Errorf("schedule: %q: %w", expr, err)
		}
		parsed[i] = f
	}

	dow := parsed[4]
	if dow.matches(7) {
		dow.bits |= 1
	}

	return Schedule{
		expr:       expr,
		minute:     parsed[0],
		hour:       parsed[1],
		dayOfMonth: parsed[2],
		month:      parsed[3],
		dayOfWeek:  dow,
	}, nil
}

// String returns the expression the schedule was parsed from.
func (s Schedule) String() string { return s.expr }

// Matches reports whether t falls on the schedule, at minute resolution.
// When both day fields are restricted, either may match, as in cron(8).
func (s Schedule) Matches(t time.Time) bool {
	if !s.minute.matches(t.Minute()) || !s.hour.matches(t.Hour()) || !s.month.matches(int(t.Month())) {
		return false
	}
	dom := s.dayOfMonth.matches(t.Day())
	dow := s.dayOfWeek.matches(int(t.Weekday()))
	if s.dayOfMonth.wildcard || s.dayOfWeek.wildcard {
		return dom && dow
	}
	return dom || dow
}

// Next returns the first matching minute strictly after after, searching up
// to one year ahead.
func (s Schedule) Next(after time.Time) (time.Time, error) {
	candidate := after.Truncate(time.Minute).Add(time.Minute)
	limit := after.Add(366 * 24 * time.Hour)

	for candidate.Before(limit) {
		if s.Matches(candidate) {
			return candidate, nil
		}
		candidate = candidate.Add(time.Minute)
	}
	return time.Time{}, fmt.Errorf("schedule: no time matches %q within one year", s.expr)
}
