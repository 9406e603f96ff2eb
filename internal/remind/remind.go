// Package remind defines the wake-up scheduling contract consumed by
// the event layer: one-shot jobs for single reminders and bounded
// cron-like field patterns for recurring ones, plus a robfig/cron
// backed implementation.
package remind

import (
	"strconv"
	"strings"
	"time"

	"deskcal/internal/recur"
)

// FieldKind discriminates a single pattern field.
type FieldKind int

const (
	// FieldAny matches every value (cron "*").
	FieldAny FieldKind = iota
	// FieldFixed matches one value.
	FieldFixed
	// FieldStep matches every n-th value, counted from the pattern
	// anchor (cron "*/n", except anchored rather than
	// calendar-absolute).
	FieldStep
)

// Field is one constraint of a Pattern.
type Field struct {
	Kind FieldKind
	N    int
}

// Any matches everything.
func Any() Field { return Field{Kind: FieldAny} }

// Fixed matches exactly n.
func Fixed(n int) Field { return Field{Kind: FieldFixed, N: n} }

// Step matches every n-th unit from the pattern anchor. Step(1) is
// collapsed to Any.
func Step(n int) Field {
	if n <= 1 {
		return Any()
	}
	return Field{Kind: FieldStep, N: n}
}

func (f Field) String() string {
	switch f.Kind {
	case FieldFixed:
		return strconv.Itoa(f.N)
	case FieldStep:
		return "*/" + strconv.Itoa(f.N)
	default:
		return "*"
	}
}

// Pattern is a recurring wake-up schedule: per-field constraints plus
// an inclusive start bound and an optional end bound. One Pattern
// stands in for an entire occurrence series, so unbounded rules never
// cost one job per occurrence.
type Pattern struct {
	Minute Field
	Hour   Field
	Day    Field // day of month; ignored when Weekdays is set
	Month  Field
	Year   Field

	// Weekdays constrains the weekday set (weekly rules and monthly
	// nth-weekday rules). Empty means unconstrained.
	Weekdays []recur.Weekday
	// NthWeek additionally requires the weekday to be the n-th of its
	// month (1..4, -1 = last). Zero means unconstrained.
	NthWeek int
	// WeekStep requires whole weeks since the start to be a multiple of
	// this value. Zero or one means every week.
	WeekStep int

	Start time.Time
	End   *time.Time

	// Anchor is the reference point for step and week-interval
	// counting. Zero means Start. A reminder requested before the
	// series begins still has to count days and months from the
	// series start, not from the requested time.
	Anchor time.Time
	// Skip lists occurrence dates the pattern must never fire on
	// (occurrences removed from the series).
	Skip []time.Time
}

func (p Pattern) anchor() time.Time {
	if p.Anchor.IsZero() {
		return p.Start
	}
	return p.Anchor
}

// Matches reports whether t satisfies every constraint of the pattern,
// including the bounds. Step fields count from the anchor.
func (p Pattern) Matches(t time.Time) bool {
	if t.Before(p.Start) {
		return false
	}
	if p.End != nil && t.After(*p.End) {
		return false
	}
	for _, s := range p.Skip {
		if daysBetween(s, t) == 0 {
			return false
		}
	}
	if !matchFixed(p.Minute, t.Minute()) {
		return false
	}
	if !matchFixed(p.Hour, t.Hour()) {
		return false
	}
	if len(p.Weekdays) > 0 {
		if !containsDay(p.Weekdays, recur.FromTime(t.Weekday())) {
			return false
		}
	} else {
		switch p.Day.Kind {
		case FieldFixed:
			if t.Day() != p.Day.N {
				return false
			}
		case FieldStep:
			if daysBetween(p.anchor(), t)%p.Day.N != 0 {
				return false
			}
		}
	}
	switch p.Month.Kind {
	case FieldFixed:
		if int(t.Month()) != p.Month.N {
			return false
		}
	case FieldStep:
		if monthsBetween(p.anchor(), t)%p.Month.N != 0 {
			return false
		}
	}
	switch p.Year.Kind {
	case FieldFixed:
		if t.Year() != p.Year.N {
			return false
		}
	case FieldStep:
		if (t.Year()-p.anchor().Year())%p.Year.N != 0 {
			return false
		}
	}
	if p.NthWeek > 0 && (t.Day()-1)/7+1 != p.NthWeek {
		return false
	}
	if p.NthWeek == -1 && t.Day()+7 <= daysInMonth(t.Year(), t.Month()) {
		return false
	}
	if p.WeekStep > 1 {
		weeks := int(weekFloor(t).Sub(weekFloor(p.anchor())).Hours()) / (24 * 7)
		if weeks%p.WeekStep != 0 {
			return false
		}
	}
	return true
}

// matchFixed checks a field that derivation only ever sets to Any or
// Fixed (minute, hour).
func matchFixed(f Field, v int) bool {
	return f.Kind != FieldFixed || v == f.N
}

// daysBetween counts whole civil days from a to b.
func daysBetween(a, b time.Time) int {
	af := time.Date(a.Year(), a.Month(), a.Day(), 0, 0, 0, 0, time.UTC)
	bf := time.Date(b.Year(), b.Month(), b.Day(), 0, 0, 0, 0, time.UTC)
	return int(bf.Sub(af).Hours() / 24)
}

func monthsBetween(a, b time.Time) int {
	return (b.Year()*12 + int(b.Month())) - (a.Year()*12 + int(a.Month()))
}

// CronLine renders the expressible superset of the pattern as a classic
// five-field cron spec. Anchored steps, year bounds, nth-week and
// week-interval constraints widen to "*" here; Matches narrows them at
// fire time.
func (p Pattern) CronLine() string {
	dow := "*"
	if len(p.Weekdays) > 0 {
		names := make([]string, len(p.Weekdays))
		for i, d := range p.Weekdays {
			names[i] = strings.ToUpper(d.Time().String()[:3])
		}
		dow = strings.Join(names, ",")
	}
	return strings.Join([]string{
		cronField(p.Minute),
		cronField(p.Hour),
		cronField(p.Day),
		cronField(p.Month),
		dow,
	}, " ")
}

func cronField(f Field) string {
	if f.Kind == FieldFixed {
		return strconv.Itoa(f.N)
	}
	return "*"
}

// Job is one scheduled wake-up as held by a Scheduler: either a
// one-shot time or a bounded pattern.
type Job struct {
	Once    *time.Time
	Pattern *Pattern
}

// Scheduler is the collaborator the event layer delegates reminder
// firing to. Remove reports false for ids the scheduler no longer
// knows; callers treat that as success.
type Scheduler interface {
	AddOnce(at time.Time, fn func()) (string, error)
	AddPattern(p Pattern, fn func()) (string, error)
	Remove(id string) bool
}

func containsDay(days []recur.Weekday, d recur.Weekday) bool {
	for _, x := range days {
		if x == d {
			return true
		}
	}
	return false
}

func daysInMonth(y int, m time.Month) int {
	return time.Date(y, m+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// weekFloor returns midnight of the Monday of t's week.
func weekFloor(t time.Time) time.Time {
	back := int(recur.FromTime(t.Weekday()))
	d := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	return d.AddDate(0, 0, -back)
}
