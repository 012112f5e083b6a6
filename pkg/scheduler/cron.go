package scheduler

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// cronSpec is a parsed standard 5-field cron expression:
// minute hour day-of-month month day-of-week.
type cronSpec struct {
	minutes  fieldSet
	hours    fieldSet
	days     fieldSet
	months   fieldSet
	weekdays fieldSet
}

// fieldSet is a sparse set of allowed values for one cron field. A nil
// fieldSet means "any value" (the field was "*").
type fieldSet map[int]bool

func (f fieldSet) allows(v int) bool {
	if f == nil {
		return true
	}

	return f[v]
}

func parseCron(expr string) (cronSpec, error) {
	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return cronSpec{}, fmt.Errorf("scheduler: cron expression %q must have 5 fields", expr)
	}

	minutes, err := parseField(fields[0], 0, 59)
	if err != nil {
		return cronSpec{}, err
	}

	hours, err := parseField(fields[1], 0, 23)
	if err != nil {
		return cronSpec{}, err
	}

	days, err := parseField(fields[2], 1, 31)
	if err != nil {
		return cronSpec{}, err
	}

	months, err := parseField(fields[3], 1, 12)
	if err != nil {
		return cronSpec{}, err
	}

	weekdays, err := parseField(fields[4], 0, 7)
	if err != nil {
		return cronSpec{}, err
	}

	foldSunday7(weekdays)

	return cronSpec{minutes: minutes, hours: hours, days: days, months: months, weekdays: weekdays}, nil
}

// foldSunday7 folds the non-standard "7" representation of Sunday into "0",
// since standard cron accepts both for the day-of-week field.
func foldSunday7(weekdays fieldSet) {
	if weekdays == nil {
		return
	}

	if weekdays[7] {
		weekdays[0] = true
		delete(weekdays, 7)
	}
}

// parseField parses a single cron field: "*", a number, a comma list, a
// range ("a-b"), or a step ("*/n" or "a-b/n").
func parseField(field string, lo, hi int) (fieldSet, error) {
	if field == "*" {
		return nil, nil
	}

	set := fieldSet{}

	for _, part := range strings.Split(field, ",") {
		rangeLo, rangeHi, step := lo, hi, 1

		base := part

		if idx := strings.IndexByte(part, '/'); idx >= 0 {
			base = part[:idx]

			s, err := strconv.Atoi(part[idx+1:])
			if err != nil || s <= 0 {
				return nil, fmt.Errorf("scheduler: invalid step in cron field %q", field)
			}

			step = s
		}

		switch {
		case base == "*":
			// rangeLo/rangeHi already default to lo/hi
		case strings.Contains(base, "-"):
			pieces := strings.SplitN(base, "-", 2)

			a, err := strconv.Atoi(pieces[0])
			if err != nil {
				return nil, fmt.Errorf("scheduler: invalid cron range %q", base)
			}

			b, err := strconv.Atoi(pieces[1])
			if err != nil {
				return nil, fmt.Errorf("scheduler: invalid cron range %q", base)
			}

			rangeLo, rangeHi = a, b
		default:
			v, err := strconv.Atoi(base)
			if err != nil {
				return nil, fmt.Errorf("scheduler: invalid cron value %q", base)
			}

			rangeLo, rangeHi = v, v
		}

		if rangeLo < lo || rangeHi > hi || rangeLo > rangeHi {
			return nil, fmt.Errorf("scheduler: cron field %q out of range [%d,%d]", field, lo, hi)
		}

		for v := rangeLo; v <= rangeHi; v += step {
			set[v] = true
		}
	}

	return set, nil
}

// nextCronOccurrence finds the next minute-aligned instant strictly after
// now that matches expr, scanning forward minute by minute. Standard cron
// semantics treat day-of-month and day-of-week as OR'd when both are
// restricted; this follows that convention.
func nextCronOccurrence(expr string, now time.Time) (time.Time, error) {
	spec, err := parseCron(expr)
	if err != nil {
		return time.Time{}, err
	}

	candidate := now.Truncate(time.Minute).Add(time.Minute)

	const maxIterations = 60 * 24 * 366 // scan at most about a year ahead

	for i := 0; i < maxIterations; i++ {
		if matches(spec, candidate) {
			return candidate, nil
		}

		candidate = candidate.Add(time.Minute)
	}

	return time.Time{}, fmt.Errorf("scheduler: no matching time found for cron expression %q", expr)
}

func matches(spec cronSpec, t time.Time) bool {
	if !spec.minutes.allows(t.Minute()) {
		return false
	}

	if !spec.hours.allows(t.Hour()) {
		return false
	}

	if !spec.months.allows(int(t.Month())) {
		return false
	}

	dayRestricted := spec.days != nil
	weekdayRestricted := spec.weekdays != nil

	switch {
	case dayRestricted && weekdayRestricted:
		return spec.days.allows(t.Day()) || spec.weekdays.allows(int(t.Weekday()))
	case dayRestricted:
		return spec.days.allows(t.Day())
	case weekdayRestricted:
		return spec.weekdays.allows(int(t.Weekday()))
	default:
		return true
	}
}
