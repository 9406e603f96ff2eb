package store

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"deskcal/internal/event"
	"deskcal/internal/remind"
)

type fakeCats struct{}

func (fakeCats) Has(name string) bool { return name == "default" || name == "work" }
func (fakeCats) Default() string      { return "default" }

func testDeps() (event.Deps, *remind.MemoryScheduler) {
	sched := remind.NewMemoryScheduler()
	return event.Deps{
		Categories: fakeCats{},
		Scheduler:  sched,
		Now:        func() time.Time { return time.Date(2026, time.March, 1, 8, 0, 0, 0, time.Local) },
	}, sched
}

func openStore(t *testing.T, path string) (*Store, *remind.MemoryScheduler) {
	t.Helper()
	deps, sched := testDeps()
	st, err := Open(path, 3, deps)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return st, sched
}

func addEvent(t *testing.T, st *Store, summary string, start time.Time) *event.Event {
	t.Helper()
	ev := st.NewEvent()
	if err := ev.SetSummary(summary); err != nil {
		t.Fatalf("SetSummary: %v", err)
	}
	if err := ev.SetTimes(start, start.Add(time.Hour)); err != nil {
		t.Fatalf("SetTimes: %v", err)
	}
	if err := st.Add(ev); err != nil {
		t.Fatalf("Add: %v", err)
	}
	return ev
}

func TestAddAssignsIDAndPersists(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "events.json")
	st, _ := openStore(t, path)

	ev := addEvent(t, st, "dentist", time.Date(2026, time.March, 5, 10, 0, 0, 0, time.Local))
	if ev.ID() == "" {
		t.Fatalf("Add left the id empty")
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("collection not written: %v", err)
	}

	// A fresh store sees the event.
	st2, _ := openStore(t, path)
	got, ok := st2.Get(ev.ID())
	if !ok {
		t.Fatalf("event lost across reopen")
	}
	if got.Summary() != "dentist" {
		t.Fatalf("Summary = %q", got.Summary())
	}
}

func TestAddRejectsDuplicateID(t *testing.T) {
	t.Parallel()

	st, _ := openStore(t, filepath.Join(t.TempDir(), "events.json"))
	ev := addEvent(t, st, "one", time.Date(2026, time.March, 5, 10, 0, 0, 0, time.Local))

	dup := st.NewEvent()
	dup.AssignID(ev.ID())
	if err := st.Add(dup); err == nil {
		t.Fatalf("Add accepted a duplicate id")
	}
}

func TestRemoveCancelsRemindersBeforePersisting(t *testing.T) {
	t.Parallel()

	st, sched := openStore(t, filepath.Join(t.TempDir(), "events.json"))
	ev := addEvent(t, st, "standup", time.Date(2026, time.March, 5, 10, 0, 0, 0, time.Local))

	if err := st.Mutate(ev.ID(), func(e *event.Event) error {
		_, err := e.AddReminder(time.Date(2026, time.March, 5, 9, 45, 0, 0, time.Local))
		return err
	}); err != nil {
		t.Fatalf("Mutate: %v", err)
	}
	if len(sched.Jobs()) != 1 {
		t.Fatalf("scheduler holds %d jobs, want 1", len(sched.Jobs()))
	}

	if !st.Remove(ev.ID()) {
		t.Fatalf("Remove = false")
	}
	if len(sched.Jobs()) != 0 {
		t.Fatalf("reminders survived the delete: %v", sched.Jobs())
	}
	if _, ok := st.Get(ev.ID()); ok {
		t.Fatalf("event still present")
	}
	if st.Remove(ev.ID()) {
		t.Fatalf("second Remove = true")
	}
}

func TestMutateFailureDoesNotPersist(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "events.json")
	st, _ := openStore(t, path)
	ev := addEvent(t, st, "before", time.Date(2026, time.March, 5, 10, 0, 0, 0, time.Local))

	err := st.Mutate(ev.ID(), func(e *event.Event) error {
		if err := e.SetSummary("after"); err != nil {
			return err
		}
		return e.SetTimes(e.End(), e.Start()) // inverted, rejected
	})
	if err == nil {
		t.Fatalf("Mutate swallowed the setter error")
	}

	st2, _ := openStore(t, path)
	got, ok := st2.Get(ev.ID())
	if !ok {
		t.Fatalf("event missing after failed mutate")
	}
	if got.Summary() != "before" {
		t.Fatalf("failed mutate was persisted: Summary = %q", got.Summary())
	}
}

func TestBackupRotationAndRecovery(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "events.json")
	st, _ := openStore(t, path)

	addEvent(t, st, "first", time.Date(2026, time.March, 5, 10, 0, 0, 0, time.Local))
	addEvent(t, st, "second", time.Date(2026, time.March, 6, 10, 0, 0, 0, time.Local))

	if _, err := os.Stat(path + ".1"); err != nil {
		t.Fatalf("backup not rotated: %v", err)
	}

	// Corrupt the primary; reopen must recover from the newest backup,
	// which holds the collection as of the first save.
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatalf("corrupt: %v", err)
	}
	st2, _ := openStore(t, path)
	events := st2.All()
	if len(events) != 1 {
		t.Fatalf("recovered %d events from backup, want 1", len(events))
	}
	if events[0].Summary() != "first" {
		t.Fatalf("recovered event = %q", events[0].Summary())
	}
}

func TestCorruptEverythingStartsEmpty(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "events.json")
	if err := os.WriteFile(path, []byte("garbage"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := os.WriteFile(path+".1", []byte("also garbage"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	st, _ := openStore(t, path)
	if n := len(st.All()); n != 0 {
		t.Fatalf("store loaded %d events from garbage", n)
	}
}

func TestBadRecordIsSkippedNotFatal(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "events.json")
	doc := `{
  "meta": {"version": 1, "saved_at": "2026-03-01T08:00:00Z", "host": "test"},
  "events": [
    {"id": "good", "summary": "ok", "start": "2026-03-05T10:00:00", "end": "2026-03-05T11:00:00", "task_state": "none", "reminders": {}, "source": "local"},
    {"id": "bad", "summary": "broken", "start": "not-a-time", "end": "also-not", "task_state": "none", "reminders": {}, "source": "local"}
  ]
}`
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	st, _ := openStore(t, path)
	if _, ok := st.Get("good"); !ok {
		t.Fatalf("good record lost")
	}
	if _, ok := st.Get("bad"); ok {
		t.Fatalf("unparseable record loaded")
	}
	if n := len(st.All()); n != 1 {
		t.Fatalf("loaded %d events, want 1", n)
	}
}

func TestQueries(t *testing.T) {
	t.Parallel()

	st, _ := openStore(t, filepath.Join(t.TempDir(), "events.json"))
	a := addEvent(t, st, "march", time.Date(2026, time.March, 5, 10, 0, 0, 0, time.Local))
	b := addEvent(t, st, "april", time.Date(2026, time.April, 5, 10, 0, 0, 0, time.Local))

	if err := st.Mutate(b.ID(), func(e *event.Event) error {
		if err := e.SetCategory("work"); err != nil {
			return err
		}
		return e.SetTaskString("pending")
	}); err != nil {
		t.Fatalf("Mutate: %v", err)
	}

	got := st.EventsBetween(
		time.Date(2026, time.March, 1, 0, 0, 0, 0, time.Local),
		time.Date(2026, time.March, 31, 0, 0, 0, 0, time.Local))
	if len(got) != 1 || got[0].ID() != a.ID() {
		t.Fatalf("EventsBetween = %d events", len(got))
	}

	work := st.ByCategory("work")
	if len(work) != 1 || work[0].ID() != b.ID() {
		t.Fatalf("ByCategory(work) = %d events", len(work))
	}

	tasks := st.Tasks()
	if len(tasks) != 1 || tasks[0].ID() != b.ID() {
		t.Fatalf("Tasks = %d events", len(tasks))
	}

	all := st.All()
	if len(all) != 2 || !all[0].Start().Before(all[1].Start()) {
		t.Fatalf("All not ordered by start")
	}
}

func TestReopenThenRefreshRestoresReminderJobs(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "events.json")
	st, _ := openStore(t, path)
	ev := addEvent(t, st, "standup", time.Date(2026, time.March, 5, 10, 0, 0, 0, time.Local))
	if err := st.Mutate(ev.ID(), func(e *event.Event) error {
		_, err := e.AddReminder(time.Date(2026, time.March, 5, 9, 45, 0, 0, time.Local))
		return err
	}); err != nil {
		t.Fatalf("Mutate: %v", err)
	}

	// Loading registers nothing; the boot-time refresh re-creates the
	// jobs on the fresh scheduler.
	st2, sched2 := openStore(t, path)
	if len(sched2.Jobs()) != 0 {
		t.Fatalf("load registered %d jobs before refresh", len(sched2.Jobs()))
	}
	if err := st2.RefreshAllReminders(); err != nil {
		t.Fatalf("RefreshAllReminders: %v", err)
	}
	if len(sched2.Jobs()) != 1 {
		t.Fatalf("refresh registered %d jobs, want 1", len(sched2.Jobs()))
	}
	got, _ := st2.Get(ev.ID())
	if len(got.Reminders()) != 1 {
		t.Fatalf("Reminders = %d entries, want 1", len(got.Reminders()))
	}
}
