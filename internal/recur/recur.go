// Package recur implements the recurrence model for calendar events:
// a descriptor (frequency, interval, bound, day selection) bound to a
// start time, expanded on demand into concrete occurrences.
package recur

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Frequency is the repetition unit of a rule.
type Frequency int

const (
	FreqDaily Frequency = iota
	FreqWeekly
	FreqMonthly
	FreqYearly
)

var freqNames = map[Frequency]string{
	FreqDaily:   "daily",
	FreqWeekly:  "weekly",
	FreqMonthly: "monthly",
	FreqYearly:  "yearly",
}

func (f Frequency) String() string {
	if s, ok := freqNames[f]; ok {
		return s
	}
	return fmt.Sprintf("frequency(%d)", int(f))
}

// ParseFrequency maps a stored frequency name back to its value.
func ParseFrequency(s string) (Frequency, error) {
	for f, name := range freqNames {
		if name == strings.ToLower(strings.TrimSpace(s)) {
			return f, nil
		}
	}
	return 0, fmt.Errorf("unknown frequency %q", s)
}

// Weekday uses Monday=0 .. Sunday=6 indexing, matching the iCalendar
// BYDAY table rather than time.Weekday's Sunday-first convention.
type Weekday int

const (
	Monday Weekday = iota
	Tuesday
	Wednesday
	Thursday
	Friday
	Saturday
	Sunday
)

// FromTime converts a time.Weekday (Sunday=0) into a Weekday (Monday=0).
func FromTime(w time.Weekday) Weekday {
	return Weekday((int(w) + 6) % 7)
}

// Time converts back to the stdlib convention.
func (w Weekday) Time() time.Weekday {
	return time.Weekday((int(w) + 1) % 7)
}

func (w Weekday) String() string {
	return w.Time().String()
}

// LimitKind discriminates the bound policy of a rule.
type LimitKind int

const (
	// LimitAlways repeats without end.
	LimitAlways LimitKind = iota
	// LimitUntil repeats while the occurrence date is on or before a date.
	LimitUntil
	// LimitAfter stops after a fixed number of occurrences.
	LimitAfter
)

var limitNames = map[LimitKind]string{
	LimitAlways: "always",
	LimitUntil:  "until",
	LimitAfter:  "after",
}

func (k LimitKind) String() string {
	if s, ok := limitNames[k]; ok {
		return s
	}
	return fmt.Sprintf("limit(%d)", int(k))
}

// ParseLimitKind maps a stored limit name back to its value.
func ParseLimitKind(s string) (LimitKind, error) {
	for k, name := range limitNames {
		if name == strings.ToLower(strings.TrimSpace(s)) {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown limit %q", s)
}

// Limit is the bound policy of a rule. Until is meaningful only for
// LimitUntil, Count only for LimitAfter.
type Limit struct {
	Kind  LimitKind
	Until time.Time
	Count int
}

// Always returns the unbounded limit.
func Always() Limit { return Limit{Kind: LimitAlways} }

// Until bounds the rule by an inclusive end date.
func Until(d time.Time) Limit { return Limit{Kind: LimitUntil, Until: d} }

// After bounds the rule to n occurrences.
func After(n int) Limit { return Limit{Kind: LimitAfter, Count: n} }

// MonthDay selects the day inside each month for monthly rules. The
// zero value means "same day-of-month as the start". With Nth set, the
// rule lands on the Week-th (1..4, -1 = last) Weekday of the month.
type MonthDay struct {
	Nth     bool
	Week    int
	Weekday Weekday
}

// Descriptor is the serializable shape of a repetition rule. WeekDays
// is meaningful only for weekly rules, MonthDay only for monthly ones.
type Descriptor struct {
	Frequency Frequency
	Interval  int
	Limit     Limit
	WeekDays  []Weekday
	MonthDay  MonthDay
}

var (
	ErrBadInterval = errors.New("recur: interval must be positive")
	ErrBadWeek     = errors.New("recur: month week index must be 1..4 or -1")
	ErrBadCount    = errors.New("recur: occurrence count must be positive")
)

// normalize validates the descriptor against its start time and fills
// frequency-dependent defaults, returning a copy safe to keep.
func normalize(start time.Time, d Descriptor) (Descriptor, error) {
	if d.Interval == 0 {
		d.Interval = 1
	}
	if d.Interval < 0 {
		return d, ErrBadInterval
	}
	if _, ok := freqNames[d.Frequency]; !ok {
		return d, fmt.Errorf("recur: unknown frequency %d", int(d.Frequency))
	}
	if d.Limit.Kind == LimitAfter && d.Limit.Count <= 0 {
		return d, ErrBadCount
	}

	switch d.Frequency {
	case FreqWeekly:
		d.WeekDays = normalizeDays(d.WeekDays, FromTime(start.Weekday()))
	case FreqMonthly:
		if d.MonthDay.Nth {
			w := d.MonthDay.Week
			if w != -1 && (w < 1 || w > 4) {
				return d, ErrBadWeek
			}
		}
		d.WeekDays = nil
	default:
		d.WeekDays = nil
		d.MonthDay = MonthDay{}
	}
	return d, nil
}

// normalizeDays dedupes and sorts the day set and guarantees the start
// weekday is a member, so the start itself is always occurrence zero.
func normalizeDays(days []Weekday, startDay Weekday) []Weekday {
	seen := map[Weekday]bool{startDay: true}
	for _, d := range days {
		if d >= 0 && d <= 6 {
			seen[d] = true
		}
	}
	out := make([]Weekday, 0, len(seen))
	for d := range seen {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
