package steward

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// cronHorizon bounds the next-fire walk. Expressions that cannot fire
// within it are treated as never firing.
const cronHorizon = 4 * 366 * 24 * time.Hour

// fieldSet is the set of values one cron field accepts.
type fieldSet struct {
	any  bool
	vals map[int]bool
}

func (f fieldSet) matches(v int) bool {
	return f.any || f.vals[v]
}

// cronSchedule is a parsed 5-field cron expression: minute, hour,
// day-of-month, month, day-of-week. A leading seconds field is accepted
// and discarded.
type cronSchedule struct {
	minute fieldSet
	hour   fieldSet
	dom    fieldSet
	month  fieldSet
	dow    fieldSet
}

// parseCron parses a 5- or 6-field cron expression. Supported tokens per
// field: *, a numeric literal, a-b ranges, comma lists, and */n steps.
func parseCron(expr string) (*cronSchedule, error) {
	fields := strings.Fields(expr)
	switch len(fields) {
	case 5:
	case 6:
		// Seconds are validated for shape but never scheduled on.
		if _, err := parseField(fields[0], 0, 59); err != nil {
			return nil, fmt.Errorf("seconds field: %w", err)
		}
		fields = fields[1:]
	default:
		return nil, fmt.Errorf("expected 5 or 6 fields, got %d", len(fields))
	}

	sched := &cronSchedule{}
	specs := []struct {
		name     string
		min, max int
		dst      *fieldSet
	}{
		{"minute", 0, 59, &sched.minute},
		{"hour", 0, 23, &sched.hour},
		{"day-of-month", 1, 31, &sched.dom},
		{"month", 1, 12, &sched.month},
		{"day-of-week", 0, 7, &sched.dow},
	}
	for i, spec := range specs {
		set, err := parseField(fields[i], spec.min, spec.max)
		if err != nil {
			return nil, fmt.Errorf("%s field: %w", spec.name, err)
		}
		*spec.dst = set
	}
	// Both 0 and 7 mean Sunday.
	if !sched.dow.any && sched.dow.vals[7] {
		delete(sched.dow.vals, 7)
		sched.dow.vals[0] = true
	}
	return sched, nil
}

func parseField(spec string, min, max int) (fieldSet, error) {
	if spec == "*" {
		return fieldSet{any: true}, nil
	}
	set := fieldSet{vals: make(map[int]bool)}
	for _, part := range strings.Split(spec, ",") {
		if err := parseFieldPart(part, min, max, set.vals); err != nil {
			return fieldSet{}, err
		}
	}
	return set, nil
}

func parseFieldPart(part string, min, max int, vals map[int]bool) error {
	switch {
	case strings.HasPrefix(part, "*/"):
		step, err := strconv.Atoi(part[2:])
		if err != nil || step <= 0 {
			return fmt.Errorf("invalid step %q", part)
		}
		for v := min; v <= max; v += step {
			vals[v] = true
		}
		return nil
	case strings.Contains(part, "-"):
		bounds := strings.SplitN(part, "-", 2)
		lo, err1 := strconv.Atoi(bounds[0])
		hi, err2 := strconv.Atoi(bounds[1])
		if err1 != nil || err2 != nil {
			return fmt.Errorf("invalid range %q", part)
		}
		if lo > hi || lo < min || hi > max {
			return fmt.Errorf("range %q out of bounds %d-%d", part, min, max)
		}
		for v := lo; v <= hi; v++ {
			vals[v] = true
		}
		return nil
	default:
		v, err := strconv.Atoi(part)
		if err != nil {
			return fmt.Errorf("invalid value %q", part)
		}
		if v < min || v > max {
			return fmt.Errorf("value %d out of bounds %d-%d", v, min, max)
		}
		vals[v] = true
		return nil
	}
}

// matches reports whether the instant satisfies every field, evaluated
// against local wall-clock time.
func (c *cronSchedule) matches(t time.Time) bool {
	return c.minute.matches(t.Minute()) &&
		c.hour.matches(t.Hour()) &&
		c.dom.matches(t.Day()) &&
		c.month.matches(int(t.Month())) &&
		c.dow.matches(int(t.Weekday()))
}

// next walks forward minute by minute and returns the first matching
// minute boundary at least one minute past after, or false when none
// falls inside the horizon.
func (c *cronSchedule) next(after time.Time) (time.Time, bool) {
	t := after.Add(time.Minute)
	if trunc := t.Truncate(time.Minute); trunc.Before(t) {
		t = trunc.Add(time.Minute)
	}
	limit := after.Add(cronHorizon)
	for ; !t.After(limit); t = t.Add(time.Minute) {
		if c.matches(t) {
			return t, true
		}
	}
	return time.Time{}, false
}
