package remind

import (
	"testing"
	"time"

	"deskcal/internal/recur"
)

func at(y int, m time.Month, d, hh, mm int) time.Time {
	return time.Date(y, m, d, hh, mm, 0, 0, time.UTC)
}

func TestStepCollapsesToAny(t *testing.T) {
	t.Parallel()

	if f := Step(1); f.Kind != FieldAny {
		t.Fatalf("Step(1) = %+v, want Any", f)
	}
	if f := Step(0); f.Kind != FieldAny {
		t.Fatalf("Step(0) = %+v, want Any", f)
	}
	if f := Step(3); f.Kind != FieldStep || f.N != 3 {
		t.Fatalf("Step(3) = %+v", f)
	}
}

func TestPatternBounds(t *testing.T) {
	t.Parallel()

	start := at(2026, time.March, 2, 9, 30)
	end := at(2026, time.March, 10, 9, 30)
	p := Pattern{
		Minute: Fixed(30),
		Hour:   Fixed(9),
		Start:  start,
		End:    &end,
	}

	if p.Matches(start.Add(-24 * time.Hour)) {
		t.Fatalf("matched before start")
	}
	if !p.Matches(start) {
		t.Fatalf("start itself did not match")
	}
	if !p.Matches(end) {
		t.Fatalf("end itself did not match (end is inclusive)")
	}
	if p.Matches(end.Add(24 * time.Hour)) {
		t.Fatalf("matched after end")
	}
	if p.Matches(at(2026, time.March, 5, 9, 31)) {
		t.Fatalf("matched wrong minute")
	}
}

func TestPatternDayStepIsAnchored(t *testing.T) {
	t.Parallel()

	// Every 3rd day from March 2nd: 2, 5, 8, ... regardless of how the
	// dates fall relative to the calendar.
	start := at(2026, time.March, 2, 9, 0)
	p := Pattern{
		Minute: Fixed(0),
		Hour:   Fixed(9),
		Day:    Step(3),
		Start:  start,
	}

	if !p.Matches(at(2026, time.March, 5, 9, 0)) {
		t.Fatalf("start+3d did not match")
	}
	if p.Matches(at(2026, time.March, 4, 9, 0)) {
		t.Fatalf("start+2d matched")
	}
	// Anchoring carries over month boundaries.
	if !p.Matches(at(2026, time.April, 1, 9, 0)) { // 30 days after start
		t.Fatalf("start+30d did not match")
	}
}

func TestPatternMonthStepIsAnchored(t *testing.T) {
	t.Parallel()

	// Every 2nd month from February: Feb, Apr, Jun even though cron's
	// calendar-absolute */2 would pick odd months.
	start := at(2026, time.February, 15, 8, 0)
	p := Pattern{
		Minute: Fixed(0),
		Hour:   Fixed(8),
		Day:    Fixed(15),
		Month:  Step(2),
		Start:  start,
	}

	if !p.Matches(at(2026, time.April, 15, 8, 0)) {
		t.Fatalf("April did not match")
	}
	if p.Matches(at(2026, time.March, 15, 8, 0)) {
		t.Fatalf("March matched")
	}
	if !p.Matches(at(2027, time.February, 15, 8, 0)) {
		t.Fatalf("February next year did not match")
	}
}

func TestPatternYearStep(t *testing.T) {
	t.Parallel()

	start := at(2026, time.June, 10, 12, 0)
	p := Pattern{
		Minute: Fixed(0),
		Hour:   Fixed(12),
		Day:    Fixed(10),
		Month:  Fixed(6),
		Year:   Step(2),
		Start:  start,
	}

	if !p.Matches(at(2028, time.June, 10, 12, 0)) {
		t.Fatalf("start+2y did not match")
	}
	if p.Matches(at(2027, time.June, 10, 12, 0)) {
		t.Fatalf("start+1y matched")
	}
}

func TestPatternWeekdaysAndWeekStep(t *testing.T) {
	t.Parallel()

	// Mondays and Thursdays, every 2nd week.
	start := at(2026, time.March, 2, 9, 0) // a Monday
	p := Pattern{
		Minute:   Fixed(0),
		Hour:     Fixed(9),
		Weekdays: []recur.Weekday{recur.Monday, recur.Thursday},
		WeekStep: 2,
		Start:    start,
	}

	if !p.Matches(at(2026, time.March, 5, 9, 0)) { // Thursday same week
		t.Fatalf("Thursday of the start week did not match")
	}
	if p.Matches(at(2026, time.March, 9, 9, 0)) { // Monday of the off week
		t.Fatalf("Monday of the off week matched")
	}
	if !p.Matches(at(2026, time.March, 16, 9, 0)) { // Monday two weeks on
		t.Fatalf("Monday two weeks on did not match")
	}
	if p.Matches(at(2026, time.March, 17, 9, 0)) { // Tuesday
		t.Fatalf("Tuesday matched")
	}
}

func TestPatternNthWeek(t *testing.T) {
	t.Parallel()

	// Second Tuesday of each month.
	start := at(2026, time.March, 10, 8, 30)
	p := Pattern{
		Minute:   Fixed(30),
		Hour:     Fixed(8),
		Weekdays: []recur.Weekday{recur.Tuesday},
		NthWeek:  2,
		Start:    start,
	}

	if !p.Matches(at(2026, time.April, 14, 8, 30)) {
		t.Fatalf("second Tuesday of April did not match")
	}
	if p.Matches(at(2026, time.April, 7, 8, 30)) {
		t.Fatalf("first Tuesday of April matched")
	}

	// Last Friday of each month.
	last := Pattern{
		Minute:   Fixed(0),
		Hour:     Fixed(17),
		Weekdays: []recur.Weekday{recur.Friday},
		NthWeek:  -1,
		Start:    at(2026, time.March, 27, 17, 0),
	}
	if !last.Matches(at(2026, time.April, 24, 17, 0)) {
		t.Fatalf("last Friday of April did not match")
	}
	if last.Matches(at(2026, time.April, 17, 17, 0)) {
		t.Fatalf("non-final Friday matched")
	}
}

func TestCronLine(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		p    Pattern
		want string
	}{
		{
			name: "fixed fields",
			p:    Pattern{Minute: Fixed(30), Hour: Fixed(9), Day: Fixed(15), Month: Fixed(6)},
			want: "30 9 15 6 *",
		},
		{
			name: "steps widen to star",
			p:    Pattern{Minute: Fixed(0), Hour: Fixed(9), Day: Step(3), Month: Step(2)},
			want: "0 9 * * *",
		},
		{
			name: "weekday names",
			p: Pattern{
				Minute:   Fixed(0),
				Hour:     Fixed(9),
				Weekdays: []recur.Weekday{recur.Monday, recur.Wednesday, recur.Sunday},
			},
			want: "0 9 * * MON,WED,SUN",
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := tt.p.CronLine(); got != tt.want {
				t.Fatalf("CronLine = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestMemorySchedulerLifecycle(t *testing.T) {
	t.Parallel()

	s := NewMemoryScheduler()

	when := at(2026, time.March, 2, 9, 0)
	id1, err := s.AddOnce(when, func() {})
	if err != nil {
		t.Fatalf("AddOnce: %v", err)
	}
	id2, err := s.AddPattern(Pattern{Minute: Fixed(0), Hour: Fixed(9), Start: when}, func() {})
	if err != nil {
		t.Fatalf("AddPattern: %v", err)
	}
	if id1 == id2 {
		t.Fatalf("duplicate job ids: %q", id1)
	}

	jobs := s.Jobs()
	if len(jobs) != 2 {
		t.Fatalf("Jobs = %d entries, want 2", len(jobs))
	}
	if j := jobs[id1]; j.Once == nil || !j.Once.Equal(when) {
		t.Fatalf("one-shot job = %+v", j)
	}
	if j := jobs[id2]; j.Pattern == nil {
		t.Fatalf("pattern job = %+v", j)
	}

	if !s.Remove(id1) {
		t.Fatalf("Remove(%q) = false", id1)
	}
	if s.Remove(id1) {
		t.Fatalf("second Remove(%q) = true", id1)
	}
	if len(s.Jobs()) != 1 {
		t.Fatalf("Jobs after remove = %d entries, want 1", len(s.Jobs()))
	}
}

func TestCronSchedulerOnceFires(t *testing.T) {
	t.Parallel()

	s := NewCronScheduler()
	s.Start()
	defer s.Stop()

	done := make(chan struct{})
	id, err := s.AddOnce(time.Now().Add(20*time.Millisecond), func() { close(done) })
	if err != nil {
		t.Fatalf("AddOnce: %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("one-shot did not fire")
	}

	// The job removes itself after firing.
	deadline := time.Now().Add(time.Second)
	for {
		if _, ok := s.Jobs()[id]; !ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("fired job still registered")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestCronSchedulerRemoveCancelsOnce(t *testing.T) {
	t.Parallel()

	s := NewCronScheduler()
	s.Start()
	defer s.Stop()

	fired := make(chan struct{}, 1)
	id, err := s.AddOnce(time.Now().Add(50*time.Millisecond), func() { fired <- struct{}{} })
	if err != nil {
		t.Fatalf("AddOnce: %v", err)
	}
	if !s.Remove(id) {
		t.Fatalf("Remove(%q) = false", id)
	}

	select {
	case <-fired:
		t.Fatalf("removed job fired anyway")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestCronSchedulerPatternRegistersValidSpec(t *testing.T) {
	t.Parallel()

	s := NewCronScheduler()
	p := Pattern{
		Minute:   Fixed(0),
		Hour:     Fixed(9),
		Weekdays: []recur.Weekday{recur.Monday, recur.Friday},
		Start:    at(2026, time.March, 2, 9, 0),
	}
	id, err := s.AddPattern(p, func() {})
	if err != nil {
		t.Fatalf("AddPattern: %v", err)
	}
	jobs := s.Jobs()
	j, ok := jobs[id]
	if !ok {
		t.Fatalf("pattern job not registered")
	}
	if j.Pattern == nil || j.Pattern.CronLine() != p.CronLine() {
		t.Fatalf("registered job = %+v", j)
	}
	if !s.Remove(id) {
		t.Fatalf("Remove(%q) = false", id)
	}
}

func TestPatternAnchorSetsStepOrigin(t *testing.T) {
	t.Parallel()

	// Biweekly Mondays anchored on Mar 2, with the wake-up window
	// opening the Sunday before. Week parity counts from the anchor,
	// not from the window start.
	p := Pattern{
		Minute:   Fixed(45),
		Hour:     Fixed(8),
		Weekdays: []recur.Weekday{recur.Monday},
		WeekStep: 2,
		Start:    at(2026, time.March, 1, 8, 45),
		Anchor:   at(2026, time.March, 2, 9, 0),
	}
	if !p.Matches(at(2026, time.March, 2, 8, 45)) {
		t.Fatalf("first Monday did not match")
	}
	if p.Matches(at(2026, time.March, 9, 8, 45)) {
		t.Fatalf("off-week Monday matched")
	}
	if !p.Matches(at(2026, time.March, 16, 8, 45)) {
		t.Fatalf("Monday two weeks after the anchor did not match")
	}

	// Same for month steps: every 2nd month from a March series with
	// the wake-up requested in February.
	q := Pattern{
		Minute: Fixed(0),
		Hour:   Fixed(9),
		Day:    Fixed(15),
		Month:  Step(2),
		Start:  at(2026, time.February, 20, 9, 0),
		Anchor: at(2026, time.March, 15, 9, 0),
	}
	if !q.Matches(at(2026, time.March, 15, 9, 0)) {
		t.Fatalf("anchor month did not match")
	}
	if q.Matches(at(2026, time.April, 15, 9, 0)) {
		t.Fatalf("off month matched")
	}
	if !q.Matches(at(2026, time.May, 15, 9, 0)) {
		t.Fatalf("second on-month did not match")
	}
}

func TestPatternSkipDates(t *testing.T) {
	t.Parallel()

	p := Pattern{
		Minute: Fixed(30),
		Hour:   Fixed(8),
		Start:  at(2026, time.March, 2, 8, 30),
		Skip:   []time.Time{at(2026, time.March, 4, 9, 0)},
	}
	if p.Matches(at(2026, time.March, 4, 8, 30)) {
		t.Fatalf("skipped date matched")
	}
	if !p.Matches(at(2026, time.March, 5, 8, 30)) {
		t.Fatalf("neighboring day did not match")
	}
}
