package coordinator

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DefaultSchedule runs one minute after the UTC day boundary.
const DefaultSchedule = "1 0 * * *"

// Schedule is a parsed 5-field cron expression
// (minute hour day-of-month month day-of-week), evaluated in UTC. Fields
// accept "*", single values, lists "1,15", ranges "1-5" and steps "*/10".
type Schedule struct {
	expr   string
	fields [5]cronField
}

type cronField struct {
	wildcard bool
	allowed  map[int]bool
}

func (f cronField) matches(v int) bool {
	return f.wildcard || f.allowed[v]
}

var fieldBounds = [5]struct {
	name     string
	min, max int
}{
	{"minute", 0, 59},
	{"hour", 0, 23},
	{"day-of-month", 1, 31},
	{"month", 1, 12},
	{"day-of-week", 0, 6},
}

// ParseSchedule parses expr.
func ParseSchedule(expr string) (Schedule, error) {
	parts := strings.Fields(expr)
	if len(parts) != 5 {
		return Schedule{}, fmt.Errorf("coordinator: cron %q: want 5 fields, got %d", expr, len(parts))
	}
	s := Schedule{expr: expr}
	for i, p := range parts {
		f, err := parseCronField(p, fieldBounds[i].min, fieldBounds[i].max)
		if err != nil {
			return Schedule{}, fmt.Errorf("coordinator: cron %q: %s: %w", expr, fieldBounds[i].name, err)
		}
		s.fields[i] = f
	}
	return s, nil
}

func parseCronField(field string, lo, hi int) (cronField, error) {
	if field == "*" {
		return cronField{wildcard: true}, nil
	}
	allowed := make(map[int]bool)
	for _, item := range strings.Split(field, ",") {
		step := 1
		if base, s, ok := strings.Cut(item, "/"); ok {
			n, err := strconv.Atoi(s)
			if err != nil || n <= 0 {
				return cronField{}, fmt.Errorf("invalid step %q", item)
			}
			item, step = base, n
		}
		from, to := lo, hi
		switch {
		case item == "*":
		case strings.Contains(item, "-"):
			a, b, _ := strings.Cut(item, "-")
			var err1, err2 error
			from, err1 = strconv.Atoi(a)
			to, err2 = strconv.Atoi(b)
			if err1 != nil || err2 != nil {
				return cronField{}, fmt.Errorf("invalid range %q", item)
			}
		default:
			v, err := strconv.Atoi(item)
			if err != nil {
				return cronField{}, fmt.Errorf("invalid value %q", item)
			}
			from, to = v, v
			if step > 1 {
				to = hi
			}
		}
		if from < lo || to > hi || from > to {
			return cronField{}, fmt.Errorf("%q out of range %d-%d", item, lo, hi)
		}
		for v := from; v <= to; v += step {
			allowed[v] = true
		}
	}
	return cronField{allowed: allowed}, nil
}

// String returns the source expression.
func (s Schedule) String() string { return s.expr }

// Next returns the first minute strictly after t that matches. The search is
// bounded to one year; a schedule that never fires returns the zero time.
func (s Schedule) Next(t time.Time) time.Time {
	candidate := t.UTC().Truncate(time.Minute).Add(time.Minute)
	limit := candidate.Add(366 * 24 * time.Hour)
	for candidate.Before(limit) {
		if s.matches(candidate) {
			return candidate
		}
		candidate = candidate.Add(time.Minute)
	}
	return time.Time{}
}

func (s Schedule) matches(t time.Time) bool {
	return s.fields[0].matches(t.Minute()) &&
		s.fields[1].matches(t.Hour()) &&
		s.fields[2].matches(t.Day()) &&
		s.fields[3].matches(int(t.Month())) &&
		s.fields[4].matches(int(t.Weekday()))
}
