// Package ics maps the event model to and from the iCalendar grammar
// and syncs remote feeds into the store. Parsing leans on
// arran4/golang-ical for component handling and teambition/rrule-go
// for the RRULE value grammar; the recurrence semantics themselves
// live in internal/recur.
package ics

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"
	"github.com/teambition/rrule-go"

	"deskcal/internal/event"
	applog "deskcal/internal/log"
	"deskcal/internal/recur"
)

// rruleDays maps our Monday=0 weekday indexing onto rrule-go tokens,
// which use the same order.
var rruleDays = []rrule.Weekday{
	rrule.MO, rrule.TU, rrule.WE, rrule.TH, rrule.FR, rrule.SA, rrule.SU,
}

// Export renders events as one VCALENDAR. Task state has no VEVENT
// counterpart and is simply not emitted.
func Export(events []*event.Event) string {
	cal := ical.NewCalendar()
	cal.SetMethod(ical.MethodPublish)

	for _, ev := range events {
		ve := cal.AddEvent(ev.ID())
		ve.SetSummary(ev.Summary())
		if ev.Description() != "" {
			ve.SetDescription(ev.Description())
		}
		if ev.Place() != "" {
			ve.SetLocation(ev.Place())
		}

		if ev.WholeDay() {
			ve.SetAllDayStartAt(ev.Start())
			// DTEND is exclusive for date-only values.
			ve.SetAllDayEndAt(ev.End().AddDate(0, 0, 1))
		} else {
			ve.SetStartAt(ev.Start())
			ve.SetEndAt(ev.End())
		}

		if d := ev.Repeat(); d != nil {
			ve.AddRrule(rruleString(d, ev.Start()))
			for _, x := range ev.Rule().Exclusions() {
				ve.AddProperty(ical.ComponentPropertyExdate, x.Format(icsTimeLayout))
			}
		}

		for _, at := range sortedReminderTimes(ev) {
			alarm := ve.AddAlarm()
			alarm.SetProperty("ACTION", "DISPLAY")
			alarm.SetProperty("TRIGGER", formatTrigger(at.Sub(ev.Start())))
		}
	}
	return cal.Serialize()
}

// rruleString renders the repetition descriptor in RFC 5545 RRULE
// grammar via rrule-go.
func rruleString(d *recur.Descriptor, start time.Time) string {
	opt := rrule.ROption{Interval: d.Interval}

	switch d.Frequency {
	case recur.FreqDaily:
		opt.Freq = rrule.DAILY
	case recur.FreqWeekly:
		opt.Freq = rrule.WEEKLY
		for _, w := range d.WeekDays {
			opt.Byweekday = append(opt.Byweekday, rruleDays[int(w)])
		}
	case recur.FreqMonthly:
		opt.Freq = rrule.MONTHLY
		if d.MonthDay.Nth {
			opt.Byweekday = []rrule.Weekday{rruleDays[int(d.MonthDay.Weekday)].Nth(d.MonthDay.Week)}
		} else {
			opt.Bymonthday = []int{start.Day()}
		}
	case recur.FreqYearly:
		opt.Freq = rrule.YEARLY
	}

	switch d.Limit.Kind {
	case recur.LimitAfter:
		opt.Count = d.Limit.Count
	case recur.LimitUntil:
		// UNTIL is an inclusive datetime bound; midnight would cut
		// off the final day's occurrence for external consumers.
		u := d.Limit.Until
		opt.Until = time.Date(u.Year(), u.Month(), u.Day(), 23, 59, 59, 0, u.Location())
	}
	return opt.RRuleString()
}

// Import parses an ICS payload into events owned by source. Malformed
// components are skipped with a log line; one bad VEVENT never aborts
// the batch. Task state always comes back empty: the grammar cannot
// carry it.
func Import(body []byte, source string, deps event.Deps) ([]*event.Event, error) {
	if len(body) == 0 {
		return nil, errors.New("ics: empty payload")
	}
	cal, err := ical.ParseCalendar(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("ics: parse: %w", err)
	}

	var out []*event.Event
	for _, ve := range cal.Events() {
		ev, err := importVEvent(ve, source, deps)
		if err != nil {
			applog.Error("ics: skipping malformed VEVENT", err, "source", source)
			continue
		}
		out = append(out, ev)
	}
	applog.Info("ics: import completed", "source", source, "events", len(out))
	return out, nil
}

func importVEvent(ve *ical.VEvent, source string, deps event.Deps) (*event.Event, error) {
	uid := ve.GetProperty(ical.ComponentPropertyUniqueId)
	if uid == nil || uid.Value == "" {
		return nil, errors.New("missing UID")
	}

	rec := event.Record{
		ID:        eventID(source, uid.Value),
		Source:    source,
		TaskState: "none",
		Reminders: map[string]string{},
	}
	if p := ve.GetProperty(ical.ComponentPropertySummary); p != nil {
		rec.Summary = p.Value
	}
	if p := ve.GetProperty(ical.ComponentPropertyDescription); p != nil {
		rec.Description = p.Value
	}
	if p := ve.GetProperty(ical.ComponentPropertyLocation); p != nil {
		rec.Place = p.Value
	}

	start, err := ve.GetStartAt()
	if err != nil {
		return nil, fmt.Errorf("bad DTSTART: %w", err)
	}
	end, err := ve.GetEndAt()
	if err != nil {
		end = start.Add(time.Hour)
	}
	start = start.In(time.Local)
	end = end.In(time.Local)

	rec.WholeDay = isAllDay(ve)
	if rec.WholeDay {
		// Date-only DTEND is exclusive; fold it back onto the last day.
		end = end.AddDate(0, 0, -1)
		start = time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, time.Local)
		end = time.Date(end.Year(), end.Month(), end.Day(), 23, 59, 0, 0, time.Local)
		if end.Before(start) {
			end = time.Date(start.Year(), start.Month(), start.Day(), 23, 59, 0, 0, time.Local)
		}
	}
	rec.Start = start.Format(event.TimeLayout)
	rec.End = end.Format(event.TimeLayout)

	if p := ve.GetProperty(ical.ComponentPropertyRrule); p != nil {
		rr, err := repeatFromRRule(p.Value, start)
		if err != nil {
			return nil, err
		}
		rec.Repeat = rr
	}
	if rec.Repeat != nil {
		for _, x := range exdates(ve) {
			rec.Repeat.Exclusions = append(rec.Repeat.Exclusions,
				x.In(time.Local).Format(event.TimeLayout))
		}
	}

	// VALARM triggers become local reminders at start + offset.
	for i, alarm := range ve.Alarms() {
		trig := alarm.GetProperty("TRIGGER")
		if trig == nil {
			continue
		}
		off, err := parseTrigger(trig.Value)
		if err != nil {
			applog.Debug("ics: unreadable VALARM trigger", "value", trig.Value, "uid", uid.Value)
			continue
		}
		at := start.Add(off)
		rec.Reminders[fmt.Sprintf("alarm-%d", i+1)] = at.Format(event.TimeLayout)
	}

	return event.FromRecord(rec, deps)
}

// eventID namespaces feed uids so two feeds reusing a UID cannot
// collide in the store. Local exports use the bare event id as UID.
func eventID(source, uid string) string {
	if source == "" || source == event.SourceLocal {
		return uid
	}
	return source + "/" + uid
}

// repeatFromRRule maps RFC 5545 RRULE grammar onto a RepeatRecord.
func repeatFromRRule(value string, start time.Time) (*event.RepeatRecord, error) {
	opt, err := rrule.StrToROption(value)
	if err != nil {
		return nil, fmt.Errorf("bad RRULE %q: %w", value, err)
	}

	rr := &event.RepeatRecord{Interval: opt.Interval, Limit: "always"}
	if rr.Interval == 0 {
		rr.Interval = 1
	}

	switch opt.Freq {
	case rrule.DAILY:
		rr.Frequency = "daily"
	case rrule.WEEKLY:
		rr.Frequency = "weekly"
		for _, wd := range opt.Byweekday {
			rr.WeekDays = append(rr.WeekDays, wd.Day())
		}
	case rrule.MONTHLY:
		rr.Frequency = "monthly"
		rr.MonthRule = "absolute"
		for _, wd := range opt.Byweekday {
			if wd.N() != 0 {
				rr.MonthRule = "nth"
				rr.MonthWeek = wd.N()
				rr.MonthWeekday = wd.Day()
			}
		}
	case rrule.YEARLY:
		rr.Frequency = "yearly"
	default:
		return nil, fmt.Errorf("unsupported FREQ in %q", value)
	}

	if opt.Count > 0 {
		rr.Limit = "after"
		rr.Count = opt.Count
	} else if !opt.Until.IsZero() {
		rr.Limit = "until"
		rr.Until = opt.Until.In(time.Local).Format(event.DateLayout)
	}
	return rr, nil
}

const icsTimeLayout = "20060102T150405"

func isAllDay(ve *ical.VEvent) bool {
	p := ve.GetProperty(ical.ComponentPropertyDtStart)
	if p == nil {
		return false
	}
	if params := p.ICalParameters; params != nil {
		if vs, ok := params["VALUE"]; ok && len(vs) > 0 && strings.EqualFold(vs[0], "DATE") {
			return true
		}
	}
	return !strings.Contains(p.Value, "T")
}

func exdates(ve *ical.VEvent) []time.Time {
	var out []time.Time
	for _, p := range ve.GetProperties(ical.ComponentPropertyExdate) {
		for _, part := range strings.Split(p.Value, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			if t, err := parseICSTime(part); err == nil {
				out = append(out, t)
			}
		}
	}
	return out
}

// parseICSTime handles the basic UTC, local and date-only forms.
func parseICSTime(v string) (time.Time, error) {
	v = strings.TrimSpace(v)
	switch {
	case v == "":
		return time.Time{}, errors.New("empty time value")
	case strings.HasSuffix(v, "Z"):
		return time.Parse("20060102T150405Z", v)
	case strings.Contains(v, "T"):
		return time.ParseInLocation(icsTimeLayout, v, time.Local)
	default:
		return time.ParseInLocation("20060102", v, time.Local)
	}
}

// formatTrigger renders a reminder offset relative to DTSTART as an
// RFC 5545 duration, e.g. -PT15M for quarter of an hour before.
func formatTrigger(d time.Duration) string {
	sign := ""
	if d < 0 {
		sign = "-"
		d = -d
	}
	d = d.Round(time.Minute)
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	mins := int(d.Minutes()) % 60

	var b strings.Builder
	b.WriteString(sign + "P")
	if days > 0 {
		b.WriteString(strconv.Itoa(days) + "D")
	}
	if hours > 0 || mins > 0 || days == 0 {
		b.WriteString("T")
		if hours > 0 {
			b.WriteString(strconv.Itoa(hours) + "H")
		}
		b.WriteString(strconv.Itoa(mins) + "M")
	}
	return b.String()
}

// parseTrigger reads a duration trigger (relative to DTSTART) or an
// absolute date-time trigger, returning the offset from start in the
// former case and failing over to direct parsing in the latter.
func parseTrigger(v string) (time.Duration, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, errors.New("empty trigger")
	}
	neg := false
	if strings.HasPrefix(v, "-") {
		neg = true
		v = v[1:]
	} else if strings.HasPrefix(v, "+") {
		v = v[1:]
	}
	if !strings.HasPrefix(v, "P") {
		return 0, errors.New("absolute triggers are not supported")
	}
	v = v[1:]

	var total time.Duration
	num := ""
	inTime := false
	for _, r := range v {
		switch {
		case r >= '0' && r <= '9':
			num += string(r)
		case r == 'T':
			inTime = true
		case r == 'W' || r == 'D' || r == 'H' || r == 'M' || r == 'S':
			n, err := strconv.Atoi(num)
			if err != nil {
				return 0, fmt.Errorf("bad duration component in %q", v)
			}
			num = ""
			switch {
			case r == 'W':
				total += time.Duration(n) * 7 * 24 * time.Hour
			case r == 'D':
				total += time.Duration(n) * 24 * time.Hour
			case r == 'H':
				total += time.Duration(n) * time.Hour
			case r == 'M' && inTime:
				total += time.Duration(n) * time.Minute
			case r == 'M':
				return 0, errors.New("month durations are not supported")
			case r == 'S':
				total += time.Duration(n) * time.Second
			}
		default:
			return 0, fmt.Errorf("bad duration %q", v)
		}
	}
	if neg {
		total = -total
	}
	return total, nil
}

func sortedReminderTimes(ev *event.Event) []time.Time {
	rem := ev.Reminders()
	out := make([]time.Time, 0, len(rem))
	for _, at := range rem {
		out = append(out, at)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}
