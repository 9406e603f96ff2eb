package event

import (
	"errors"
	"time"

	applog "deskcal/internal/log"
	"deskcal/internal/recur"
	"deskcal/internal/remind"
)

// AddReminder schedules a wake-up for this event and records it. For a
// one-off event this is a single job at the given time. For a
// recurring event a single bounded field pattern stands in for the
// whole series; one job per occurrence would leak jobs on unbounded
// rules.
func (e *Event) AddReminder(at time.Time) (string, error) {
	if e.deps.Scheduler == nil {
		return "", errors.New("event: no scheduler configured")
	}
	now := e.deps.now()

	if e.rule == nil {
		if !at.After(now) {
			return "", &ValidationError{Field: "reminder", Msg: "time already passed"}
		}
		id, err := e.deps.Scheduler.AddOnce(at, e.fireFunc(at))
		if err != nil {
			return "", err
		}
		e.reminders[id] = at
		return id, nil
	}

	p := e.reminderPattern(at)
	if p.End != nil && p.End.Before(now) {
		return "", &ValidationError{Field: "reminder", Msg: "rule already exhausted"}
	}
	id, err := e.deps.Scheduler.AddPattern(p, e.fireFunc(at))
	if err != nil {
		return "", err
	}
	e.reminders[id] = at
	return id, nil
}

func (e *Event) fireFunc(at time.Time) func() {
	return func() {
		if e.deps.Notify != nil {
			e.deps.Notify(e, at)
		}
	}
}

// RemoveReminder cancels and forgets a reminder. Ids unknown to the
// event, or known here but already gone from the scheduler (fired, or
// lost to an external cleanup), are tolerated: false simply means
// there was nothing to do.
func (e *Event) RemoveReminder(id string) bool {
	if _, ok := e.reminders[id]; !ok {
		return false
	}
	delete(e.reminders, id)
	if !e.deps.Scheduler.Remove(id) {
		applog.Debug("reminder already gone from scheduler", "id", id, "event", e.id)
	}
	return true
}

// RemoveAllReminders cancels every reminder; used on delete and before
// recomputation.
func (e *Event) RemoveAllReminders() {
	for id := range e.reminders {
		delete(e.reminders, id)
		e.deps.Scheduler.Remove(id)
	}
}

// RefreshReminders cancels every scheduled job and recreates the set
// from the current rule. It runs whenever the repetition fields change
// and doubles as the user-facing maintenance operation after an
// external scheduler failure. Requested times whose series is entirely
// in the past are dropped rather than rescheduled.
func (e *Event) RefreshReminders() error {
	if e.deps.Scheduler == nil {
		return nil
	}
	times := make([]time.Time, 0, len(e.reminders))
	for id, at := range e.reminders {
		delete(e.reminders, id)
		e.deps.Scheduler.Remove(id)
		times = append(times, at)
	}

	var errs []error
	for _, at := range times {
		if _, err := e.AddReminder(at); err != nil {
			var verr *ValidationError
			if errors.As(err, &verr) {
				applog.Info("reminder dropped on refresh", "event", e.id, "at", at, "reason", verr.Msg)
				continue
			}
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// reminderPattern derives the recurring wake-up schedule from the
// repetition descriptor: minute and hour come from the requested time,
// the date fields mirror the rule, and the end bound is the final
// occurrence plus an hour of slack so the last firing is not racing
// the bound. Steps count from the event start, not the requested
// time, so a reminder asked for mid-period keeps the series parity.
func (e *Event) reminderPattern(at time.Time) remind.Pattern {
	d := *e.repeat
	p := remind.Pattern{
		Minute: remind.Fixed(at.Minute()),
		Hour:   remind.Fixed(at.Hour()),
		Day:    remind.Any(),
		Month:  remind.Any(),
		Year:   remind.Any(),
		Start:  at,
		Anchor: e.start,
		Skip:   e.rule.Exclusions(),
	}

	switch d.Frequency {
	case recur.FreqDaily:
		p.Day = remind.Step(d.Interval)
	case recur.FreqWeekly:
		p.Weekdays = append([]recur.Weekday(nil), d.WeekDays...)
		p.WeekStep = d.Interval
	case recur.FreqMonthly:
		if d.MonthDay.Nth {
			p.Weekdays = []recur.Weekday{d.MonthDay.Weekday}
			p.NthWeek = d.MonthDay.Week
		} else {
			p.Day = remind.Fixed(e.start.Day())
		}
		p.Month = remind.Step(d.Interval)
	case recur.FreqYearly:
		p.Day = remind.Fixed(e.start.Day())
		p.Month = remind.Fixed(int(e.start.Month()))
		p.Year = remind.Step(d.Interval)
	}

	switch d.Limit.Kind {
	case recur.LimitUntil, recur.LimitAfter:
		if last, ok := e.rule.LastOccurrence(); ok {
			end := last.Add(time.Hour)
			p.End = &end
		} else {
			// A bounded rule with no occurrences at all; the
			// already-expired bound makes AddReminder reject it.
			end := at.Add(-time.Second)
			p.End = &end
		}
	}
	return p
}
