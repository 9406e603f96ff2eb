package event

import (
	"fmt"
	"time"

	"deskcal/internal/recur"
)

// TimeLayout is the ISO-like local timestamp form used by the
// persisted collection.
const TimeLayout = "2006-01-02T15:04:05"

// DateLayout is the date-only form used for until bounds and
// exclusions of whole-day series.
const DateLayout = "2006-01-02"

// RepeatRecord is the serialized shape of a repetition descriptor.
type RepeatRecord struct {
	Frequency string `json:"frequency"`
	Interval  int    `json:"interval"`

	Limit string `json:"limit"`
	Until string `json:"until,omitempty"`
	Count int    `json:"count,omitempty"`

	WeekDays []int `json:"week_days,omitempty"`

	MonthRule    string `json:"month_rule,omitempty"`
	MonthWeek    int    `json:"month_week,omitempty"`
	MonthWeekday int    `json:"month_weekday,omitempty"`

	Exclusions []string `json:"exclusions,omitempty"`
}

// Record is the lossless portable form of an Event: every field,
// including repeat sub-fields and the reminder id-to-time mapping,
// survives a round trip exactly.
type Record struct {
	ID          string            `json:"id"`
	Summary     string            `json:"summary"`
	Place       string            `json:"place"`
	Description string            `json:"description"`
	Start       string            `json:"start"`
	End         string            `json:"end"`
	WholeDay    bool              `json:"whole_day"`
	Category    string            `json:"category"`
	TaskState   string            `json:"task_state"`
	Repeat      *RepeatRecord     `json:"repeat,omitempty"`
	Reminders   map[string]string `json:"reminders"`
	Source      string            `json:"source"`
}

// Record serializes the event.
func (e *Event) Record() Record {
	rec := Record{
		ID:          e.id,
		Summary:     e.summary,
		Place:       e.place,
		Description: e.description,
		Start:       e.start.Format(TimeLayout),
		End:         e.end.Format(TimeLayout),
		WholeDay:    e.wholeDay,
		Category:    e.category,
		TaskState:   e.task.String(),
		Reminders:   make(map[string]string, len(e.reminders)),
		Source:      e.source,
	}
	for id, at := range e.reminders {
		rec.Reminders[id] = at.Format(TimeLayout)
	}
	if e.repeat != nil {
		rec.Repeat = repeatRecord(e.repeat, e.rule)
	}
	return rec
}

func repeatRecord(d *recur.Descriptor, rule *recur.Rule) *RepeatRecord {
	rr := &RepeatRecord{
		Frequency: d.Frequency.String(),
		Interval:  d.Interval,
		Limit:     d.Limit.Kind.String(),
	}
	switch d.Limit.Kind {
	case recur.LimitUntil:
		rr.Until = d.Limit.Until.Format(DateLayout)
	case recur.LimitAfter:
		rr.Count = d.Limit.Count
	}
	switch d.Frequency {
	case recur.FreqWeekly:
		for _, w := range d.WeekDays {
			rr.WeekDays = append(rr.WeekDays, int(w))
		}
	case recur.FreqMonthly:
		if d.MonthDay.Nth {
			rr.MonthRule = "nth"
			rr.MonthWeek = d.MonthDay.Week
			rr.MonthWeekday = int(d.MonthDay.Weekday)
		} else {
			rr.MonthRule = "absolute"
		}
	}
	for _, x := range rule.Exclusions() {
		rr.Exclusions = append(rr.Exclusions, x.Format(TimeLayout))
	}
	return rr
}

// FromRecord rebuilds an event from its portable form. Reminder jobs
// are not re-registered here; the daemon refreshes all reminders once
// after load, when the scheduler is running.
func FromRecord(rec Record, deps Deps) (*Event, error) {
	start, err := time.ParseInLocation(TimeLayout, rec.Start, time.Local)
	if err != nil {
		return nil, fmt.Errorf("event %s: bad start: %w", rec.ID, err)
	}
	end, err := time.ParseInLocation(TimeLayout, rec.End, time.Local)
	if err != nil {
		return nil, fmt.Errorf("event %s: bad end: %w", rec.ID, err)
	}
	task, err := ParseTaskState(rec.TaskState)
	if err != nil {
		return nil, fmt.Errorf("event %s: %w", rec.ID, err)
	}

	category := rec.Category
	if !deps.Categories.Has(category) {
		category = deps.Categories.Default()
	}
	source := rec.Source
	if source == "" {
		source = SourceLocal
	}

	e := &Event{
		id:          rec.ID,
		summary:     rec.Summary,
		place:       rec.Place,
		description: rec.Description,
		start:       start,
		end:         end,
		wholeDay:    rec.WholeDay,
		category:    category,
		task:        task,
		source:      source,
		reminders:   make(map[string]time.Time, len(rec.Reminders)),
		deps:        deps,
	}
	for id, s := range rec.Reminders {
		at, err := time.ParseInLocation(TimeLayout, s, time.Local)
		if err != nil {
			return nil, fmt.Errorf("event %s: bad reminder time: %w", rec.ID, err)
		}
		e.reminders[id] = at
	}

	if rec.Repeat != nil {
		d, exclusions, err := descriptorFromRecord(rec.Repeat)
		if err != nil {
			return nil, fmt.Errorf("event %s: %w", rec.ID, err)
		}
		rule, err := recur.New(start, d)
		if err != nil {
			return nil, fmt.Errorf("event %s: %w", rec.ID, err)
		}
		for _, x := range exclusions {
			rule.Exclude(x)
		}
		nd := rule.Descriptor()
		e.repeat, e.rule = &nd, rule
	}
	return e, nil
}

// DescriptorFromRecord rebuilds just the descriptor from its
// serialized form; exclusions are ignored. The API layer uses it to
// accept repeat edits.
func DescriptorFromRecord(rr *RepeatRecord) (recur.Descriptor, error) {
	d, _, err := descriptorFromRecord(rr)
	return d, err
}

func descriptorFromRecord(rr *RepeatRecord) (recur.Descriptor, []time.Time, error) {
	var d recur.Descriptor

	freq, err := recur.ParseFrequency(rr.Frequency)
	if err != nil {
		return d, nil, err
	}
	kind, err := recur.ParseLimitKind(rr.Limit)
	if err != nil {
		return d, nil, err
	}

	d.Frequency = freq
	d.Interval = rr.Interval

	switch kind {
	case recur.LimitUntil:
		until, err := time.ParseInLocation(DateLayout, rr.Until, time.Local)
		if err != nil {
			return d, nil, fmt.Errorf("bad until date: %w", err)
		}
		d.Limit = recur.Until(until)
	case recur.LimitAfter:
		d.Limit = recur.After(rr.Count)
	default:
		d.Limit = recur.Always()
	}

	for _, w := range rr.WeekDays {
		d.WeekDays = append(d.WeekDays, recur.Weekday(w))
	}
	if rr.MonthRule == "nth" {
		d.MonthDay = recur.MonthDay{
			Nth:     true,
			Week:    rr.MonthWeek,
			Weekday: recur.Weekday(rr.MonthWeekday),
		}
	}

	var exclusions []time.Time
	for _, s := range rr.Exclusions {
		x, err := time.ParseInLocation(TimeLayout, s, time.Local)
		if err != nil {
			return d, nil, fmt.Errorf("bad exclusion: %w", err)
		}
		exclusions = append(exclusions, x)
	}
	return d, exclusions, nil
}
