package recur

import (
	"sort"
	"time"
)

// maxDeadSteps caps consecutive skipped candidates (31st of short
// months, Feb 29 in common years) before an iterator gives up. Real
// rules re-emit within at most a handful of steps; the cap only stops
// pathological interval/leap-year combinations from spinning.
const maxDeadSteps = 512

// Rule binds a Descriptor to a concrete start time plus a set of
// excluded occurrences. It is the expansion engine: all occurrence
// queries are answered here without side effects.
type Rule struct {
	start    time.Time
	desc     Descriptor
	rotated  []Weekday // weekly day list rotated so the start weekday leads
	excluded map[int64]struct{}
}

// New validates the descriptor against start and returns the bound rule.
func New(start time.Time, d Descriptor) (*Rule, error) {
	nd, err := normalize(start, d)
	if err != nil {
		return nil, err
	}
	r := &Rule{
		start:    start,
		desc:     nd,
		excluded: make(map[int64]struct{}),
	}
	if nd.Frequency == FreqWeekly {
		r.rotated = rotateDays(nd.WeekDays, FromTime(start.Weekday()))
	}
	return r, nil
}

// rotateDays rotates the sorted day set so that startDay comes first.
// The rotated order fixes which day a count remainder lands on.
func rotateDays(days []Weekday, startDay Weekday) []Weekday {
	pivot := 0
	for i, d := range days {
		if d == startDay {
			pivot = i
			break
		}
	}
	out := make([]Weekday, 0, len(days))
	out = append(out, days[pivot:]...)
	out = append(out, days[:pivot]...)
	return out
}

// Start returns the rule's anchor time.
func (r *Rule) Start() time.Time { return r.start }

// Descriptor returns the normalized descriptor.
func (r *Rule) Descriptor() Descriptor { return r.desc }

// Exclude removes the single occurrence starting at t from the series.
// The rule itself is unchanged: bounds and the last occurrence still
// count the excluded instance.
func (r *Rule) Exclude(t time.Time) {
	r.excluded[t.Unix()] = struct{}{}
}

// Excluded reports whether the occurrence at t has been excluded.
func (r *Rule) Excluded(t time.Time) bool {
	_, ok := r.excluded[t.Unix()]
	return ok
}

// Exclusions returns the excluded occurrence starts, ascending.
func (r *Rule) Exclusions() []time.Time {
	out := make([]time.Time, 0, len(r.excluded))
	for u := range r.excluded {
		out = append(out, time.Unix(u, 0).In(r.start.Location()))
	}
	sortTimes(out)
	return out
}

// OccurrencesIn returns every non-excluded occurrence whose date falls
// in [a, b] inclusive, ascending. The comparison is by calendar date;
// occurrences keep the start's time of day.
func (r *Rule) OccurrencesIn(a, b time.Time) []time.Time {
	var out []time.Time
	if dateAfter(a, b) {
		return out
	}
	it := r.iterator()
	for {
		t, ok := it.next()
		if !ok {
			return out
		}
		if dateAfter(t, b) {
			return out
		}
		if dateAfter(a, t) || r.Excluded(t) {
			continue
		}
		out = append(out, t)
	}
}

// FirstAfter returns the earliest non-excluded occurrence strictly
// after ref, or false when the rule is exhausted before then.
func (r *Rule) FirstAfter(ref time.Time) (time.Time, bool) {
	it := r.iterator()
	for {
		t, ok := it.next()
		if !ok {
			return time.Time{}, false
		}
		if t.After(ref) && !r.Excluded(t) {
			return t, true
		}
	}
}

// LastOccurrence returns the final occurrence of a bounded rule. It
// reports false for unbounded rules, which never materialize an end.
// Count bounds are resolved without walking day by day: years and
// months are stepped directly and weekly rules use the closed form over
// full weeks plus the remainder day.
func (r *Rule) LastOccurrence() (time.Time, bool) {
	switch r.desc.Limit.Kind {
	case LimitAlways:
		return time.Time{}, false
	case LimitUntil:
		var last time.Time
		found := false
		it := r.iterator()
		for {
			t, ok := it.next()
			if !ok {
				return last, found
			}
			last, found = t, true
		}
	}

	// LimitAfter
	n := r.desc.Limit.Count
	switch r.desc.Frequency {
	case FreqDaily:
		return r.start.AddDate(0, 0, (n-1)*r.desc.Interval), true
	case FreqWeekly:
		k := len(r.rotated)
		fullWeeks := (n - 1) / k
		rem := (n - 1) % k
		days := 7*fullWeeks*r.desc.Interval + r.dayOffset(rem)
		return r.start.AddDate(0, 0, days), true
	default:
		// Monthly and yearly candidates can be skipped (short months,
		// common-year Feb 29), so step unit by unit counting only the
		// candidates that exist.
		it := r.iterator()
		var last time.Time
		for {
			t, ok := it.next()
			if !ok {
				return last, !last.IsZero()
			}
			last = t
		}
	}
}

// dayOffset is the distance in days from the start weekday to the i-th
// day of the rotated day list, wrapping inside one week.
func (r *Rule) dayOffset(i int) int {
	startDay := FromTime(r.start.Weekday())
	return (int(r.rotated[i]) - int(startDay) + 7) % 7
}

// iterator walks the raw occurrence sequence (pre-exclusion) in order,
// honoring the rule's limit.
type iterator struct {
	r       *Rule
	step    int // candidate index: k-th day slot (weekly) or unit step
	emitted int
}

func (r *Rule) iterator() *iterator { return &iterator{r: r} }

func (it *iterator) next() (time.Time, bool) {
	lim := it.r.desc.Limit
	if lim.Kind == LimitAfter && it.emitted >= lim.Count {
		return time.Time{}, false
	}
	dead := 0
	for {
		t, ok := it.r.candidate(it.step)
		it.step++
		if !ok {
			dead++
			if dead >= maxDeadSteps {
				return time.Time{}, false
			}
			continue
		}
		if lim.Kind == LimitUntil && dateAfter(t, lim.Until) {
			return time.Time{}, false
		}
		it.emitted++
		return t, true
	}
}

// candidate maps a raw step index to the occurrence it denotes, or
// reports false when that step lands on a nonexistent day and is
// skipped rather than clamped.
func (r *Rule) candidate(step int) (time.Time, bool) {
	d := r.desc
	switch d.Frequency {
	case FreqDaily:
		return r.start.AddDate(0, 0, step*d.Interval), true

	case FreqWeekly:
		k := len(r.rotated)
		weeks := step / k
		days := 7*weeks*d.Interval + r.dayOffset(step%k)
		return r.start.AddDate(0, 0, days), true

	case FreqMonthly:
		y, m := addMonths(r.start.Year(), r.start.Month(), step*d.Interval)
		if d.MonthDay.Nth {
			day, ok := nthWeekdayOfMonth(y, m, d.MonthDay.Week, d.MonthDay.Weekday)
			if !ok {
				return time.Time{}, false
			}
			return r.atDay(y, m, day), true
		}
		day := r.start.Day()
		if day > daysInMonth(y, m) {
			return time.Time{}, false
		}
		return r.atDay(y, m, day), true

	default: // FreqYearly
		y := r.start.Year() + step*d.Interval
		day := r.start.Day()
		m := r.start.Month()
		if day > daysInMonth(y, m) {
			return time.Time{}, false
		}
		return r.atDay(y, m, day), true
	}
}

// atDay places an occurrence on y/m/day at the start's time of day.
func (r *Rule) atDay(y int, m time.Month, day int) time.Time {
	return time.Date(y, m, day,
		r.start.Hour(), r.start.Minute(), r.start.Second(), 0,
		r.start.Location())
}

func addMonths(y int, m time.Month, n int) (int, time.Month) {
	idx := y*12 + int(m) - 1 + n
	return idx / 12, time.Month(idx%12 + 1)
}

func daysInMonth(y int, m time.Month) int {
	return time.Date(y, m+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// nthWeekdayOfMonth resolves "the week-th wd of y/m" to a day of month.
// week is 1..4 or -1 for last. The 1st..4th weekday always exists; the
// bool is kept for symmetry with the absolute-day path.
func nthWeekdayOfMonth(y int, m time.Month, week int, wd Weekday) (int, bool) {
	target := wd.Time()
	if week == -1 {
		for day := daysInMonth(y, m); day >= 1; day-- {
			if time.Date(y, m, day, 0, 0, 0, 0, time.UTC).Weekday() == target {
				return day, true
			}
		}
		return 0, false
	}
	first := time.Date(y, m, 1, 0, 0, 0, 0, time.UTC).Weekday()
	offset := (int(target) - int(first) + 7) % 7
	day := 1 + offset + 7*(week-1)
	if day > daysInMonth(y, m) {
		return 0, false
	}
	return day, true
}

// DateInRange reports whether t's calendar date lies in [a, b].
func DateInRange(t, a, b time.Time) bool {
	return !dateAfter(a, t) && !dateAfter(t, b)
}

// dateAfter reports whether a's calendar date is after b's.
func dateAfter(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	if ay != by {
		return ay > by
	}
	if am != bm {
		return am > bm
	}
	return ad > bd
}

func sortTimes(ts []time.Time) {
	sort.Slice(ts, func(i, j int) bool { return ts[i].Before(ts[j]) })
}
