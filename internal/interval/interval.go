// Package interval implements the 5-field schedule expression used by
// pipeline definitions and the next-run arithmetic derived from it.
//
// An expression has the shape "min hour day month weekday" where each field
// is either "*" or a comma-separated list of unsigned integers. Weekdays are
// numbered 1 (Monday) through 7 (Sunday). A "*" field matches every value.
//
// When both the day and the weekday field are restricted, the day field wins
// and the weekday field is ignored for next-run computation. Classic cron
// treats this case as an OR of the two fields; this engine deliberately does
// not.
package interval

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

// InvalidExpressionError reports a malformed or out-of-range schedule
// expression. It carries the original string for diagnostics.
type InvalidExpressionError struct {
	Expression string
}

func (e *InvalidExpressionError) Error() string {
	return fmt.Sprintf("invalid interval expression: %q", e.Expression)
}

// Interval is the parsed form of a schedule expression.
//
// Each field slice is sorted ascending; an empty slice means "every value"
// (the "*" wildcard). The zero value matches every minute.
type Interval struct {
	Expression string

	// 0 to 59
	Minutes []int
	// 0 to 23
	Hours []int
	// 1 to 31
	Days []int
	// 1 to 12
	Months []int
	// 1 (Monday) to 7 (Sunday)
	Weekdays []int
}

func (iv *Interval) String() string {
	return fmt.Sprintf("%v %v %v %v %v", iv.Minutes, iv.Hours, iv.Days, iv.Months, iv.Weekdays)
}

// fieldPattern accepts "*" or a comma-separated list of unsigned integers.
// Validated before numeric parsing so non-numeric input surfaces as a
// malformed expression, never as a range error.
var fieldPattern = regexp.MustCompile(`^(\*|\d+(?:,\d+)*)$`)

// Parse parses a 5-field schedule expression.
func Parse(expression string) (*Interval, error) {
	fields := strings.Fields(expression)
	if len(fields) != 5 {
		return nil, &InvalidExpressionError{Expression: expression}
	}

	sets := make([][]int, len(fields))
	for i, field := range fields {
		if !fieldPattern.MatchString(field) {
			return nil, &InvalidExpressionError{Expression: expression}
		}
		if field == "*" {
			continue
		}
		parts := strings.Split(field, ",")
		numbers := make([]int, 0, len(parts))
		for _, part := range parts {
			n, err := strconv.Atoi(part)
			if err != nil {
				return nil, &InvalidExpressionError{Expression: expression}
			}
			numbers = append(numbers, n)
		}
		sort.Ints(numbers)
		sets[i] = numbers
	}

	iv := &Interval{
		Expression: expression,
		Minutes:    sets[0],
		Hours:      sets[1],
		Days:       sets[2],
		Months:     sets[3],
		Weekdays:   sets[4],
	}
	if err := iv.validate(); err != nil {
		return nil, err
	}
	return iv, nil
}

func (iv *Interval) validate() error {
	ok := inRange(iv.Minutes, 0, 59) &&
		inRange(iv.Hours, 0, 23) &&
		inRange(iv.Days, 1, 31) &&
		inRange(iv.Months, 1, 12) &&
		inRange(iv.Weekdays, 1, 7)
	if !ok {
		return &InvalidExpressionError{Expression: iv.Expression}
	}
	return nil
}

func inRange(values []int, lo, hi int) bool {
	for _, v := range values {
		if v < lo || v > hi {
			return false
		}
	}
	return true
}

// ShouldRun reports whether the interval is due: the next run after previous
// is at or before now.
func (iv *Interval) ShouldRun(previous, now time.Time) bool {
	return !iv.NextRun(previous).After(now)
}

// NextRun computes the first scheduled instant strictly after previous,
// truncated to the minute.
//
// The candidate starts at previous+1m and is constrained field by field, each
// step either jumping forward within its own unit or wrapping to the field's
// first allowed value and carrying into the next coarser unit. Every carry is
// expressed as "add N days" (or hours/years via the calendar), so variable
// month lengths never make the arithmetic partial. NextRun is total: it never
// fails for a parsed Interval.
func (iv *Interval) NextRun(previous time.Time) time.Time {
	t := previous.UTC().Truncate(time.Minute).Add(time.Minute)

	t = iv.nextMinuteOrCarryHour(t)
	t = iv.nextHourOrCarryDay(t)
	t = iv.nextWeekdayOrCarryMonth(t)
	t = iv.nextDayOrCarryMonth(t)
	t = iv.nextMonthOrCarryYear(t)

	return t
}

func (iv *Interval) nextMinuteOrCarryHour(t time.Time) time.Time {
	if len(iv.Minutes) == 0 {
		return t
	}

	if m, ok := firstAtLeast(iv.Minutes, t.Minute()); ok {
		return withMinute(t, m)
	}
	return withMinute(t, iv.Minutes[0]).Add(time.Hour)
}

func (iv *Interval) nextHourOrCarryDay(t time.Time) time.Time {
	if len(iv.Hours) == 0 {
		return t
	}

	if h, ok := firstAtLeast(iv.Hours, t.Hour()); ok {
		return withHour(t, h)
	}
	return withHour(t, iv.Hours[0]).AddDate(0, 0, 1)
}

// nextWeekdayOrCarryMonth applies the weekday field. It is skipped entirely
// when a day set is present (the day field wins, see package doc).
func (iv *Interval) nextWeekdayOrCarryMonth(t time.Time) time.Time {
	if len(iv.Weekdays) == 0 || len(iv.Days) > 0 {
		return t
	}

	current := isoWeekday(t)
	target, ok := firstAtLeast(iv.Weekdays, current)
	if !ok {
		target = iv.Weekdays[0]
	}
	return t.AddDate(0, 0, daysToWeekday(current, target))
}

func (iv *Interval) nextDayOrCarryMonth(t time.Time) time.Time {
	if len(iv.Days) == 0 {
		return t
	}

	if d, ok := firstAtLeast(iv.Days, t.Day()); ok {
		return t.AddDate(0, 0, daysToClampedDate(t, t.Year(), int(t.Month()), d))
	}
	return t.AddDate(0, 0, daysToClampedDate(t, t.Year(), int(t.Month())+1, iv.Days[0]))
}

func (iv *Interval) nextMonthOrCarryYear(t time.Time) time.Time {
	if len(iv.Months) == 0 {
		return t
	}

	if m, ok := firstAtLeast(iv.Months, int(t.Month())); ok {
		return t.AddDate(0, 0, daysToClampedDate(t, t.Year(), m, t.Day()))
	}
	return t.AddDate(0, 0, daysToClampedDate(t, t.Year()+1, iv.Months[0], t.Day()))
}

// withMinute returns t with its minute replaced and anything below the
// minute cleared.
func withMinute(t time.Time, m int) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), m, 0, 0, t.Location())
}

// withHour returns t with its hour replaced.
func withHour(t time.Time, h int) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), h, t.Minute(), 0, 0, t.Location())
}

// firstAtLeast returns the smallest element of the ascending slice that is
// >= v.
func firstAtLeast(sorted []int, v int) (int, bool) {
	for _, n := range sorted {
		if n >= v {
			return n, true
		}
	}
	return 0, false
}

// daysToWeekday returns the day count from one ISO weekday to the next
// occurrence of another (0 when equal).
func daysToWeekday(from, to int) int {
	return ((to + 7) - from) % 7
}

// daysToClampedDate returns the day-count delta from t to the same
// time-of-day on year/month/day, clamping day to the target month's length.
// A month > 12 rolls into the next year.
func daysToClampedDate(t time.Time, year, month, day int) int {
	if month > 12 {
		year++
		month -= 12
	}

	if last := lastDayOfMonth(year, month); day > last {
		day = last
	}

	target := time.Date(year, time.Month(month), day, t.Hour(), t.Minute(), 0, 0, t.Location())
	return int(target.Sub(t) / (24 * time.Hour))
}

// lastDayOfMonth relies on time.Date normalizing day 0 to the last day of
// the previous month.
func lastDayOfMonth(year, month int) int {
	return time.Date(year, time.Month(month)+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// isoWeekday numbers Monday=1 through Sunday=7.
func isoWeekday(t time.Time) int {
	if wd := int(t.Weekday()); wd != 0 {
		return wd
	}
	return 7
}
