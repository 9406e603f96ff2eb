package remind

import (
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	applog "deskcal/internal/log"
)

// CronScheduler implements Scheduler on top of robfig/cron. Patterns
// compile to their expressible cron superset; the residual constraints
// (anchored steps, nth-week, week interval, bounds) are re-checked when
// an entry fires, and entries past their end bound remove themselves.
//
// One-shot jobs use plain timers since classic cron cannot name a
// single absolute instant.
type CronScheduler struct {
	mu      sync.Mutex
	c       *cron.Cron
	entries map[string]cron.EntryID
	timers  map[string]*time.Timer
	jobs    map[string]Job
}

// NewCronScheduler creates a stopped scheduler; call Start to run it.
func NewCronScheduler() *CronScheduler {
	return &CronScheduler{
		c:       cron.New(),
		entries: make(map[string]cron.EntryID),
		timers:  make(map[string]*time.Timer),
		jobs:    make(map[string]Job),
	}
}

// Start begins firing scheduled jobs on a background worker.
func (s *CronScheduler) Start() { s.c.Start() }

// Stop halts firing. Jobs remain registered.
func (s *CronScheduler) Stop() { s.c.Stop() }

// AddOnce schedules fn at the absolute time at. The job removes itself
// after firing.
func (s *CronScheduler) AddOnce(at time.Time, fn func()) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := uuid.NewString()
	atCopy := at
	s.timers[id] = time.AfterFunc(time.Until(at), func() {
		s.mu.Lock()
		delete(s.timers, id)
		delete(s.jobs, id)
		s.mu.Unlock()
		fn()
	})
	s.jobs[id] = Job{Once: &atCopy}
	applog.Debug("scheduler: one-shot added", "id", id, "at", at)
	return id, nil
}

// AddPattern schedules fn on the pattern's cron line, guarded by
// Pattern.Matches for the constraints cron cannot express.
func (s *CronScheduler) AddPattern(p Pattern, fn func()) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := uuid.NewString()
	eid, err := s.c.AddFunc(p.CronLine(), func() {
		now := time.Now()
		if p.End != nil && now.After(*p.End) {
			s.Remove(id)
			return
		}
		if !p.Matches(now) {
			return
		}
		fn()
	})
	if err != nil {
		return "", err
	}
	s.entries[id] = eid
	s.jobs[id] = Job{Pattern: &p}
	applog.Debug("scheduler: pattern added", "id", id, "cron", p.CronLine())
	return id, nil
}

// Remove cancels the job with the given id. Unknown ids (already fired
// or already removed) report false.
func (s *CronScheduler) Remove(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if eid, ok := s.entries[id]; ok {
		s.c.Remove(eid)
		delete(s.entries, id)
		delete(s.jobs, id)
		return true
	}
	if t, ok := s.timers[id]; ok {
		t.Stop()
		delete(s.timers, id)
		delete(s.jobs, id)
		return true
	}
	return false
}

// Jobs returns a snapshot of the registered jobs by id.
func (s *CronScheduler) Jobs() map[string]Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]Job, len(s.jobs))
	for id, j := range s.jobs {
		out[id] = j
	}
	return out
}

// MemoryScheduler records jobs without ever firing them. It backs
// tests and dry runs.
type MemoryScheduler struct {
	mu   sync.Mutex
	seq  int
	jobs map[string]Job
}

func NewMemoryScheduler() *MemoryScheduler {
	return &MemoryScheduler{jobs: make(map[string]Job)}
}

func (s *MemoryScheduler) AddOnce(at time.Time, fn func()) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	id := "job-" + uuid.NewString()[:8] + "-" + strconv.Itoa(s.seq)
	atCopy := at
	s.jobs[id] = Job{Once: &atCopy}
	return id, nil
}

func (s *MemoryScheduler) AddPattern(p Pattern, fn func()) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	id := "job-" + uuid.NewString()[:8] + "-" + strconv.Itoa(s.seq)
	s.jobs[id] = Job{Pattern: &p}
	return id, nil
}

func (s *MemoryScheduler) Remove(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[id]; !ok {
		return false
	}
	delete(s.jobs, id)
	return true
}

func (s *MemoryScheduler) Jobs() map[string]Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]Job, len(s.jobs))
	for id, j := range s.jobs {
		out[id] = j
	}
	return out
}
