package ics

import (
	"errors"
	"time"

	"deskcal/internal/config"
	"deskcal/internal/event"
	applog "deskcal/internal/log"
	"deskcal/internal/store"
)

// SyncFeed folds a fetched feed payload into the store: new remote
// events are added, changed ones replaced, vanished ones removed. The
// diff is applied with the store's ordinary add/remove primitives.
// Reminders set locally on feed events survive the replacement when no
// remote alarm covers the same time.
func SyncFeed(st *store.Store, feed config.Feed, body []byte) error {
	imported, err := Import(body, feed.ID, st.Deps())
	if err != nil {
		return err
	}

	existing := make(map[string]*event.Event)
	for _, ev := range st.All() {
		if ev.Source() == feed.ID {
			existing[ev.ID()] = ev
		}
	}

	added, replaced, removed := 0, 0, 0
	var errs []error
	for _, ev := range imported {
		old, ok := existing[ev.ID()]
		if !ok {
			if err := st.Add(ev); err != nil {
				errs = append(errs, err)
				continue
			}
			if err := scheduleImported(st, ev.ID()); err != nil {
				errs = append(errs, err)
			}
			added++
			continue
		}
		delete(existing, ev.ID())

		carry := localReminderTimes(old, ev)
		st.Remove(old.ID())
		if err := st.Add(ev); err != nil {
			errs = append(errs, err)
			continue
		}
		if err := scheduleImported(st, ev.ID()); err != nil {
			errs = append(errs, err)
		}
		for _, at := range carry {
			err := st.Mutate(ev.ID(), func(e *event.Event) error {
				_, err := e.AddReminder(at)
				return err
			})
			var verr *event.ValidationError
			if errors.As(err, &verr) {
				// A reminder whose time already passed is simply gone.
				continue
			}
			if err != nil {
				errs = append(errs, err)
			}
		}
		replaced++
	}

	// Whatever the remote no longer carries goes away locally too.
	for id := range existing {
		if st.Remove(id) {
			removed++
		}
	}

	applog.Info("feed sync applied", "feed", feed.ID,
		"added", added, "replaced", replaced, "removed", removed)
	return errors.Join(errs...)
}

// scheduleImported registers scheduler jobs for the alarms an import
// recorded on the event; rebuilding the event from its record carries
// the reminder times but no live jobs. Alarms whose time already
// passed are dropped by the refresh.
func scheduleImported(st *store.Store, id string) error {
	return st.Mutate(id, func(e *event.Event) error {
		return e.RefreshReminders()
	})
}

// localReminderTimes returns old's reminder times that have no
// equivalent alarm on the freshly imported event.
func localReminderTimes(old, imported *event.Event) []time.Time {
	covered := make(map[int64]bool)
	for _, at := range imported.Reminders() {
		covered[at.Unix()] = true
	}
	var out []time.Time
	for _, at := range old.Reminders() {
		if !covered[at.Unix()] {
			out = append(out, at)
		}
	}
	return out
}
