// Package store owns the persisted event collection: identity
// assignment, whole-collection load/save with rotating backups, and
// the range/category queries the views delegate to. One coarse lock
// serializes every mutation against reminder callbacks.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"deskcal/internal/event"
	applog "deskcal/internal/log"
)

const formatVersion = 1

// meta is the companion record saved alongside the events, used for
// backup rotation and sync conflict detection.
type meta struct {
	Version int       `json:"version"`
	SavedAt time.Time `json:"saved_at"`
	Host    string    `json:"host"`
}

type document struct {
	Meta   meta           `json:"meta"`
	Events []event.Record `json:"events"`
}

// ErrDuplicateID is returned by Add when the id is already taken.
var ErrDuplicateID = errors.New("store: duplicate event id")

// Store is the single owner of all events. No caller may hold an
// *event.Event across a Remove.
type Store struct {
	mu      sync.Mutex
	path    string
	backups int
	deps    event.Deps
	events  map[string]*event.Event
}

// Open loads the collection at path. A missing file starts empty. A
// corrupt file falls back to the newest rotating backup; if every
// backup is also unreadable the store starts empty, which is logged as
// data loss but never kills the process.
//
// deps.Notify is wrapped so reminder callbacks run under the store
// lock and cannot interleave with edits.
func Open(path string, backups int, deps event.Deps) (*Store, error) {
	if path == "" {
		return nil, errors.New("store: path is empty")
	}
	if backups <= 0 {
		backups = 3
	}
	s := &Store{
		path:    path,
		backups: backups,
		events:  make(map[string]*event.Event),
	}
	userNotify := deps.Notify
	deps.Notify = func(ev *event.Event, at time.Time) {
		s.mu.Lock()
		defer s.mu.Unlock()
		if userNotify != nil {
			userNotify(ev, at)
		}
	}
	s.deps = deps

	s.load()
	return s, nil
}

func (s *Store) load() {
	doc, src, err := s.readDocument()
	if err != nil {
		applog.Error("store: no readable collection or backup, starting empty", err, "path", s.path)
		return
	}
	if src != s.path {
		applog.Error("store: collection corrupt, recovered from backup",
			errors.New("primary file unreadable"), "path", s.path, "backup", src)
	}

	for _, rec := range doc.Events {
		ev, err := event.FromRecord(rec, s.deps)
		if err != nil {
			// One bad record must not take the rest of the collection
			// with it.
			applog.Error("store: skipping unreadable event record", err, "id", rec.ID)
			continue
		}
		s.events[ev.ID()] = ev
	}
	applog.Info("store: collection loaded", "path", src, "events", len(s.events),
		"saved_at", doc.Meta.SavedAt, "host", doc.Meta.Host)
}

// readDocument tries the primary path first, then each backup from
// newest to oldest.
func (s *Store) readDocument() (document, string, error) {
	candidates := []string{s.path}
	for i := 1; i <= s.backups; i++ {
		candidates = append(candidates, backupPath(s.path, i))
	}

	var firstErr error
	for _, p := range candidates {
		data, err := os.ReadFile(p)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) && p == s.path {
				// First run.
				return document{}, p, nil
			}
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		var doc document
		if err := json.Unmarshal(data, &doc); err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("%s: %w", p, err)
			}
			continue
		}
		return doc, p, nil
	}
	if firstErr == nil {
		firstErr = errors.New("no collection file")
	}
	return document{}, "", firstErr
}

func backupPath(path string, n int) string {
	return fmt.Sprintf("%s.%d", path, n)
}

// save rotates backups and writes the collection atomically. Callers
// hold the lock.
func (s *Store) save() error {
	recs := make([]event.Record, 0, len(s.events))
	for _, ev := range s.events {
		recs = append(recs, ev.Record())
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].ID < recs[j].ID })

	host, _ := os.Hostname()
	doc := document{
		Meta:   meta{Version: formatVersion, SavedAt: time.Now(), Host: host},
		Events: recs,
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}

	// Shift existing copies down, current file becomes backup 1.
	for i := s.backups - 1; i >= 1; i-- {
		os.Rename(backupPath(s.path, i), backupPath(s.path, i+1))
	}
	if _, err := os.Stat(s.path); err == nil {
		os.Rename(s.path, backupPath(s.path, 1))
	}

	return writeAtomic(s.path, data)
}

// writeAtomic writes via a temp file and rename so a crash mid-write
// never leaves a partial collection.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".deskcal-events-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

// Deps returns the store-bound collaborator set (with the Notify
// wrapper installed); importers use it so every event in the store
// shares one dispatch discipline.
func (s *Store) Deps() event.Deps { return s.deps }

// NewEvent constructs an event bound to this store's collaborators.
// It is not part of the collection until Add.
func (s *Store) NewEvent() *event.Event {
	return event.New(s.deps)
}

// Add takes ownership of ev, assigning an id when it has none, and
// persists the collection.
func (s *Store) Add(ev *event.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ev.ID() == "" {
		ev.AssignID(uuid.NewString())
	}
	if _, exists := s.events[ev.ID()]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateID, ev.ID())
	}
	s.events[ev.ID()] = ev
	return s.save()
}

// Remove deletes the event and cancels its reminders. The collection
// is persisted before returning, so a crash after Remove can never
// resurrect the reminders from a stale dump. Unknown ids are a no-op.
func (s *Store) Remove(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	ev, ok := s.events[id]
	if !ok {
		return false
	}
	ev.RemoveAllReminders()
	delete(s.events, id)
	if err := s.save(); err != nil {
		applog.Error("store: save after remove failed", err, "id", id)
	}
	return true
}

// Get looks up one event. A stale id yields ok=false, never an error.
func (s *Store) Get(id string) (*event.Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.events[id]
	return ev, ok
}

// Mutate runs fn on the event under the store lock and persists when
// fn succeeds. This is the single funnel for edits, so a reminder
// firing can never observe a half-applied mutation.
func (s *Store) Mutate(id string, fn func(*event.Event) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ev, ok := s.events[id]
	if !ok {
		return fmt.Errorf("store: no event %s", id)
	}
	if err := fn(ev); err != nil {
		return err
	}
	return s.save()
}

// All returns the events ordered by start time.
func (s *Store) All() []*event.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.allLocked()
}

func (s *Store) allLocked() []*event.Event {
	out := make([]*event.Event, 0, len(s.events))
	for _, ev := range s.events {
		out = append(out, ev)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start().Before(out[j].Start()) })
	return out
}

// EventsBetween returns events with at least one occurrence dated in
// [a, b]. Recurrence is the event's business; this is a plain filter.
func (s *Store) EventsBetween(a, b time.Time) []*event.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*event.Event
	for _, ev := range s.allLocked() {
		if ev.OccursBetween(a, b) {
			out = append(out, ev)
		}
	}
	return out
}

// ByCategory filters by category name.
func (s *Store) ByCategory(name string) []*event.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*event.Event
	for _, ev := range s.allLocked() {
		if ev.Category() == name {
			out = append(out, ev)
		}
	}
	return out
}

// Tasks returns the events carrying a task state.
func (s *Store) Tasks() []*event.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*event.Event
	for _, ev := range s.allLocked() {
		if ev.Task().Status != event.TaskNone {
			out = append(out, ev)
		}
	}
	return out
}

// RefreshAllReminders re-derives every event's reminder schedule. The
// daemon runs it once after boot and exposes it as a maintenance
// operation for recovery after scheduler failures.
func (s *Store) RefreshAllReminders() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	for _, ev := range s.events {
		if err := ev.RefreshReminders(); err != nil {
			errs = append(errs, fmt.Errorf("event %s: %w", ev.ID(), err))
		}
	}
	if len(errs) == 0 {
		return s.save()
	}
	return errors.Join(errs...)
}

// Flush persists the collection; used on shutdown.
func (s *Store) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.save()
}
