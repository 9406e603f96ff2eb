// Package event implements the calendar event entity: fixed-shape
// fields, an optional recurrence rule derived from them, and the
// reminder bookkeeping that rides on the rule. All mutation goes
// through setters so the derived rule and the scheduled reminders can
// never drift from the fields they are computed from.
package event

import (
	"errors"
	"fmt"
	"time"

	"deskcal/internal/recur"
	"deskcal/internal/remind"
)

// SourceLocal marks events created on this machine. Any other source
// value names the remote feed an event was imported from; such events
// are read-only except for their local reminders.
const SourceLocal = "local"

// ErrReadOnly is returned by setters on feed-sourced events.
var ErrReadOnly = errors.New("event: imported events are read-only")

// ValidationError reports a rejected field value. The event is left
// unmodified; the caller (the editor) re-prompts.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("event: invalid %s: %s", e.Field, e.Msg)
}

// Categories is the category registry collaborator.
type Categories interface {
	Has(name string) bool
	Default() string
}

// Deps are the collaborators an Event needs. Notify is invoked on the
// scheduler's worker when a reminder fires; implementations own their
// locking. Now defaults to time.Now and exists for tests.
type Deps struct {
	Categories Categories
	Scheduler  remind.Scheduler
	Notify     func(ev *Event, at time.Time)
	Now        func() time.Time
}

func (d Deps) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

// Event is one scheduled item. Zero values are not usable; construct
// via New or FromRecord.
type Event struct {
	id          string
	summary     string
	place       string
	description string
	start       time.Time
	end         time.Time
	wholeDay    bool
	category    string
	task        TaskState
	source      string

	repeat    *recur.Descriptor
	rule      *recur.Rule
	reminders map[string]time.Time

	deps Deps
}

// New creates a local event with editor defaults: start five minutes
// from now rounded down to the five-minute grid, one hour long, in the
// default category, no task, no repetition.
func New(deps Deps) *Event {
	start := deps.now().Add(5 * time.Minute).Truncate(5 * time.Minute)
	return &Event{
		summary:   "",
		start:     start,
		end:       start.Add(time.Hour),
		category:  deps.Categories.Default(),
		source:    SourceLocal,
		reminders: make(map[string]time.Time),
		deps:      deps,
	}
}

func (e *Event) ID() string           { return e.id }
func (e *Event) Summary() string      { return e.summary }
func (e *Event) Place() string        { return e.place }
func (e *Event) Description() string  { return e.description }
func (e *Event) Start() time.Time     { return e.start }
func (e *Event) End() time.Time       { return e.end }
func (e *Event) WholeDay() bool       { return e.wholeDay }
func (e *Event) Category() string     { return e.category }
func (e *Event) Task() TaskState      { return e.task }
func (e *Event) Source() string       { return e.source }
func (e *Event) Recurring() bool      { return e.repeat != nil }
func (e *Event) Rule() *recur.Rule    { return e.rule }

// Repeat returns a copy of the repetition descriptor, or nil for
// one-off events.
func (e *Event) Repeat() *recur.Descriptor {
	if e.repeat == nil {
		return nil
	}
	d := *e.repeat
	d.WeekDays = append([]recur.Weekday(nil), e.repeat.WeekDays...)
	return &d
}

// Reminders returns a copy of the reminder map (job id to the
// originally requested time).
func (e *Event) Reminders() map[string]time.Time {
	out := make(map[string]time.Time, len(e.reminders))
	for id, at := range e.reminders {
		out[id] = at
	}
	return out
}

// AssignID sets the identity once; the store calls this when adding an
// event that has none.
func (e *Event) AssignID(id string) {
	if e.id == "" {
		e.id = id
	}
}

func (e *Event) writable() error {
	if e.source != SourceLocal {
		return ErrReadOnly
	}
	return nil
}

func (e *Event) SetSummary(s string) error {
	if err := e.writable(); err != nil {
		return err
	}
	e.summary = s
	return nil
}

func (e *Event) SetPlace(s string) error {
	if err := e.writable(); err != nil {
		return err
	}
	e.place = s
	return nil
}

func (e *Event) SetDescription(s string) error {
	if err := e.writable(); err != nil {
		return err
	}
	e.description = s
	return nil
}

// SetCategory never fails: unknown names fall back to the registry
// default so stale category keys cannot poison stored events.
func (e *Event) SetCategory(name string) error {
	if err := e.writable(); err != nil {
		return err
	}
	if !e.deps.Categories.Has(name) {
		name = e.deps.Categories.Default()
	}
	e.category = name
	return nil
}

// SetTask validates and sets the task state.
func (e *Event) SetTask(t TaskState) error {
	if err := e.writable(); err != nil {
		return err
	}
	if err := t.validate(); err != nil {
		return err
	}
	e.task = t
	return nil
}

// SetTaskString accepts the editor's textual form: "none", "pending",
// "completed", "cancelled", or a "NN%" progress value.
func (e *Event) SetTaskString(s string) error {
	t, err := ParseTaskState(s)
	if err != nil {
		return err
	}
	return e.SetTask(t)
}

// SetTimes moves the event. The derived rule and every reminder depend
// on the start, so both are recomputed by this mutation.
func (e *Event) SetTimes(start, end time.Time) error {
	if err := e.writable(); err != nil {
		return err
	}
	if end.Before(start) {
		return &ValidationError{Field: "end", Msg: "end before start"}
	}
	if e.wholeDay {
		start, end = normalizeWholeDay(start, end)
	}
	e.start, e.end = start, end
	return e.rederive()
}

// SetWholeDay toggles date-only display. Enabling it pins start/end to
// 00:00 and 23:59 of their dates.
func (e *Event) SetWholeDay(on bool) error {
	if err := e.writable(); err != nil {
		return err
	}
	e.wholeDay = on
	if on {
		e.start, e.end = normalizeWholeDay(e.start, e.end)
	}
	return e.rederive()
}

// SetRepeat replaces the repetition descriptor (nil disables
// repetition). The rule rebuild and the reminder refresh happen in the
// same mutation; an invalid descriptor leaves the event untouched.
func (e *Event) SetRepeat(d *recur.Descriptor) error {
	if err := e.writable(); err != nil {
		return err
	}
	if d == nil {
		e.repeat, e.rule = nil, nil
		return e.RefreshReminders()
	}
	rule, err := recur.New(e.start, *d)
	if err != nil {
		return &ValidationError{Field: "repeat", Msg: err.Error()}
	}
	nd := rule.Descriptor()
	e.repeat, e.rule = &nd, rule
	return e.RefreshReminders()
}

// rederive rebuilds the rule after a start/whole-day change, carrying
// exclusions over, then refreshes the reminder schedule.
func (e *Event) rederive() error {
	if e.repeat == nil {
		return e.RefreshReminders()
	}
	rule, err := recur.New(e.start, *e.repeat)
	if err != nil {
		return &ValidationError{Field: "repeat", Msg: err.Error()}
	}
	for _, x := range e.rule.Exclusions() {
		rule.Exclude(x)
	}
	nd := rule.Descriptor()
	e.repeat, e.rule = &nd, rule
	return e.RefreshReminders()
}

// OccursBetween reports whether at least one occurrence starts on a
// date within [a, b].
func (e *Event) OccursBetween(a, b time.Time) bool {
	if e.rule == nil {
		return recur.DateInRange(e.start, a, b)
	}
	return len(e.rule.OccurrencesIn(a, b)) > 0
}

// OccurrencesIn expands the event inside [a, b]. One-off events yield
// at most their own start.
func (e *Event) OccurrencesIn(a, b time.Time) []time.Time {
	if e.rule == nil {
		if recur.DateInRange(e.start, a, b) {
			return []time.Time{e.start}
		}
		return nil
	}
	return e.rule.OccurrencesIn(a, b)
}

// NextOccurrence returns the earliest occurrence strictly after the
// reference time, for list views.
func (e *Event) NextOccurrence(after time.Time) (time.Time, bool) {
	if e.rule == nil {
		if e.start.After(after) {
			return e.start, true
		}
		return time.Time{}, false
	}
	return e.rule.FirstAfter(after)
}

// LastDate returns the start of the final occurrence: the event start
// for one-off events, nothing for unbounded rules.
func (e *Event) LastDate() (time.Time, bool) {
	if e.rule == nil {
		return e.start, true
	}
	return e.rule.LastOccurrence()
}

// ExcludeDate removes the single occurrence starting at occ from the
// series and re-homes any reminder that was pointed at that date onto
// the following occurrence.
func (e *Event) ExcludeDate(occ time.Time) error {
	if e.rule == nil {
		return &ValidationError{Field: "repeat", Msg: "event does not repeat"}
	}
	e.rule.Exclude(occ)

	next, hasNext := e.rule.FirstAfter(occ)
	for id, at := range e.reminders {
		if !sameDate(at, occ) {
			continue
		}
		e.RemoveReminder(id)
		if hasNext {
			moved := time.Date(next.Year(), next.Month(), next.Day(),
				at.Hour(), at.Minute(), 0, 0, at.Location())
			if _, err := e.AddReminder(moved); err != nil {
				return err
			}
		}
	}
	// The remaining patterns were derived before the exclusion
	// existed; rebuild them so the removed date stops matching.
	return e.RefreshReminders()
}

func sameDate(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

func normalizeWholeDay(start, end time.Time) (time.Time, time.Time) {
	s := time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, start.Location())
	en := time.Date(end.Year(), end.Month(), end.Day(), 23, 59, 0, 0, end.Location())
	return s, en
}
