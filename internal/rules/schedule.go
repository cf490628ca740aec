package rules

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

const minutesPerDay = 24 * 60

// schedule restricts a rule to a time-of-day range and a set of weekdays, in UTC.
type schedule struct {
	start, end int // minutes since midnight; start == end means all day
	days       uint8
}

const allDays = 1<<7 - 1

var weekdayNames = map[string]time.Weekday{
	"sun": time.Sunday,
	"mon": time.Monday,
	"tue": time.Tuesday,
	"wed": time.Wednesday,
	"thu": time.Thursday,
	"fri": time.Friday,
	"sat": time.Saturday,
}

func parseSchedule(startHour, endHour, days string) (schedule, error) {
	var s schedule
	var err error

	if s.start, err = parseClock(startHour); err != nil {
		return s, fmt.Errorf("invalid start hour: %w", err)
	}
	if s.end, err = parseClock(endHour); err != nil {
		return s, fmt.Errorf("invalid end hour: %w", err)
	}
	if endHour == "" && startHour != "" {
		s.end = minutesPerDay
	}
	if s.days, err = parseDays(days); err != nil {
		return s, fmt.Errorf("invalid days: %w", err)
	}
	return s, nil
}

// parseClock parses "HH:MM". Empty is midnight; "24:00" is end of day.
func parseClock(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	hh, mm, ok := strings.Cut(v, ":")
	if !ok {
		return 0, fmt.Errorf("%q is not HH:MM", v)
	}
	h, err := strconv.Atoi(hh)
	if err != nil {
		return 0, fmt.Errorf("%q is not HH:MM", v)
	}
	m, err := strconv.Atoi(mm)
	if err != nil {
		return 0, fmt.Errorf("%q is not HH:MM", v)
	}
	if h < 0 || m < 0 || m > 59 || h*60+m > minutesPerDay {
		return 0, fmt.Errorf("%q out of range", v)
	}
	return h*60 + m, nil
}

// parseDays parses a comma separated list of weekdays and ranges, e.g. "mon-fri,sun".
func parseDays(v string) (uint8, error) {
	v = strings.TrimSpace(strings.ToLower(v))
	if v == "" || v == "*" {
		return allDays, nil
	}

	var mask uint8
	for _, part := range strings.Split(v, ",") {
		part = strings.TrimSpace(part)
		from, to, isRange := strings.Cut(part, "-")

		first, ok := weekdayNames[from]
		if !ok {
			return 0, fmt.Errorf("unknown weekday %q", from)
		}
		last := first
		if isRange {
			if last, ok = weekdayNames[to]; !ok {
				return 0, fmt.Errorf("unknown weekday %q", to)
			}
		}

		// Ranges may wrap, e.g. "fri-mon".
		for d := first; ; d = (d + 1) % 7 {
			mask |= 1 << d
			if d == last {
				break
			}
		}
	}
	return mask, nil
}

// active reports whether t falls inside the schedule.
func (s schedule) active(t time.Time) bool {
	t = t.UTC()
	if s.days&(1<<t.Weekday()) == 0 {
		return false
	}
	if s.start == s.end {
		return true
	}
	m := t.Hour()*60 + t.Minute()
	if s.start < s.end {
		return m >= s.start && m < s.end
	}
	// Wraps past midnight.
	return m >= s.start || m < s.end
}
