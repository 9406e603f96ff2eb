// Package web exposes the HTTP API the desktop views talk to. It is a
// thin translation layer: every operation delegates to the store and
// the event entity, which own validation and persistence.
package web

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sort"
	"time"

	"deskcal/internal/config"
	"deskcal/internal/event"
	"deskcal/internal/ics"
	applog "deskcal/internal/log"
	"deskcal/internal/store"
)

// Server serves the event API.
type Server struct {
	cfg   *config.Config
	store *store.Store
	mux   *http.ServeMux
}

// NewServer wires the routes.
func NewServer(cfg *config.Config, st *store.Store) *Server {
	s := &Server{cfg: cfg, store: st, mux: http.NewServeMux()}
	s.routes()
	return s
}

// Handler returns the root handler, wrapped in basic auth when
// credentials are configured.
func (s *Server) Handler() http.Handler {
	h := http.Handler(s.mux)
	if s.cfg.BasicAuth != nil && s.cfg.BasicAuth.Username != "" && s.cfg.BasicAuth.Password != "" {
		applog.Info("HTTP basic auth enabled", "listen", s.cfg.Listen)
		h = s.basicAuth(h)
	}
	return h
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /api/events", s.handleList)
	s.mux.HandleFunc("POST /api/events", s.handleCreate)
	s.mux.HandleFunc("GET /api/events/{id}", s.handleGet)
	s.mux.HandleFunc("PUT /api/events/{id}", s.handleUpdate)
	s.mux.HandleFunc("DELETE /api/events/{id}", s.handleDelete)
	s.mux.HandleFunc("GET /api/occurrences", s.handleOccurrences)
	s.mux.HandleFunc("POST /api/events/{id}/reminders", s.handleReminderAdd)
	s.mux.HandleFunc("DELETE /api/events/{id}/reminders/{rid}", s.handleReminderRemove)
	s.mux.HandleFunc("POST /api/events/{id}/exclude", s.handleExclude)
	s.mux.HandleFunc("POST /api/maintenance/refresh-reminders", s.handleRefresh)
	s.mux.HandleFunc("GET /api/export", s.handleExport)
	s.mux.HandleFunc("POST /api/import", s.handleImport)
}

func (s *Server) basicAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}
		user, pass, ok := r.BasicAuth()
		userOK := subtle.ConstantTimeCompare([]byte(user), []byte(s.cfg.BasicAuth.Username)) == 1
		passOK := subtle.ConstantTimeCompare([]byte(pass), []byte(s.cfg.BasicAuth.Password)) == 1
		if !ok || !userOK || !passOK {
			w.Header().Set("WWW-Authenticate", `Basic realm="deskcal"`)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps the error taxonomy onto status codes: validation
// failures are the caller's to fix, read-only violations are
// forbidden, everything else is a server fault.
func writeError(w http.ResponseWriter, err error) {
	var verr *event.ValidationError
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	case errors.Is(err, event.ErrReadOnly):
		writeJSON(w, http.StatusForbidden, map[string]string{"error": err.Error()})
	default:
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	var events []*event.Event
	q := r.URL.Query()
	switch {
	case q.Get("category") != "":
		events = s.store.ByCategory(q.Get("category"))
	case q.Get("tasks") == "true":
		events = s.store.Tasks()
	default:
		events = s.store.All()
	}
	recs := make([]event.Record, 0, len(events))
	for _, ev := range events {
		recs = append(recs, ev.Record())
	}
	writeJSON(w, http.StatusOK, recs)
}

// payload is the writable subset of an event accepted on create and
// update. Pointer fields distinguish "absent" from zero.
type payload struct {
	Summary     *string             `json:"summary"`
	Place       *string             `json:"place"`
	Description *string             `json:"description"`
	Start       *string             `json:"start"`
	End         *string             `json:"end"`
	WholeDay    *bool               `json:"whole_day"`
	Category    *string             `json:"category"`
	TaskState   *string             `json:"task_state"`
	Repeat      *event.RepeatRecord `json:"repeat"`
	ClearRepeat bool                `json:"clear_repeat"`
}

func (s *Server) apply(ev *event.Event, p payload) error {
	if p.Summary != nil {
		if err := ev.SetSummary(*p.Summary); err != nil {
			return err
		}
	}
	if p.Place != nil {
		if err := ev.SetPlace(*p.Place); err != nil {
			return err
		}
	}
	if p.Description != nil {
		if err := ev.SetDescription(*p.Description); err != nil {
			return err
		}
	}
	if p.Category != nil {
		if err := ev.SetCategory(*p.Category); err != nil {
			return err
		}
	}
	if p.TaskState != nil {
		if err := ev.SetTaskString(*p.TaskState); err != nil {
			return err
		}
	}
	if p.Start != nil || p.End != nil {
		start, end := ev.Start(), ev.End()
		var err error
		if p.Start != nil {
			if start, err = time.ParseInLocation(event.TimeLayout, *p.Start, time.Local); err != nil {
				return &event.ValidationError{Field: "start", Msg: err.Error()}
			}
		}
		if p.End != nil {
			if end, err = time.ParseInLocation(event.TimeLayout, *p.End, time.Local); err != nil {
				return &event.ValidationError{Field: "end", Msg: err.Error()}
			}
		}
		if err := ev.SetTimes(start, end); err != nil {
			return err
		}
	}
	if p.WholeDay != nil {
		if err := ev.SetWholeDay(*p.WholeDay); err != nil {
			return err
		}
	}
	if p.ClearRepeat {
		return ev.SetRepeat(nil)
	}
	if p.Repeat != nil {
		d, err := event.DescriptorFromRecord(p.Repeat)
		if err != nil {
			return &event.ValidationError{Field: "repeat", Msg: err.Error()}
		}
		return ev.SetRepeat(&d)
	}
	return nil
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var p payload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad JSON: " + err.Error()})
		return
	}
	ev := s.store.NewEvent()
	if err := s.apply(ev, p); err != nil {
		writeError(w, err)
		return
	}
	if err := s.store.Add(ev); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, ev.Record())
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	ev, ok := s.store.Get(r.PathValue("id"))
	if !ok {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, ev.Record())
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	var p payload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad JSON: " + err.Error()})
		return
	}
	id := r.PathValue("id")
	if _, ok := s.store.Get(id); !ok {
		http.NotFound(w, r)
		return
	}
	if err := s.store.Mutate(id, func(ev *event.Event) error { return s.apply(ev, p) }); err != nil {
		writeError(w, err)
		return
	}
	ev, _ := s.store.Get(id)
	writeJSON(w, http.StatusOK, ev.Record())
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	// Removing an already-gone event is a no-op, not an error.
	s.store.Remove(r.PathValue("id"))
	w.WriteHeader(http.StatusNoContent)
}

// occurrenceView is one calendar cell entry.
type occurrenceView struct {
	EventID  string `json:"event_id"`
	Summary  string `json:"summary"`
	Category string `json:"category"`
	WholeDay bool   `json:"whole_day"`
	Start    string `json:"start"`
}

func (s *Server) handleOccurrences(w http.ResponseWriter, r *http.Request) {
	from, err := parseQueryTime(r.URL.Query().Get("from"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad from: " + err.Error()})
		return
	}
	to, err := parseQueryTime(r.URL.Query().Get("to"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad to: " + err.Error()})
		return
	}

	var out []occurrenceView
	for _, ev := range s.store.EventsBetween(from, to) {
		for _, occ := range ev.OccurrencesIn(from, to) {
			out = append(out, occurrenceView{
				EventID:  ev.ID(),
				Summary:  ev.Summary(),
				Category: ev.Category(),
				WholeDay: ev.WholeDay(),
				Start:    occ.Format(event.TimeLayout),
			})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start < out[j].Start })
	writeJSON(w, http.StatusOK, out)
}

func parseQueryTime(v string) (time.Time, error) {
	if t, err := time.ParseInLocation(event.TimeLayout, v, time.Local); err == nil {
		return t, nil
	}
	return time.ParseInLocation(event.DateLayout, v, time.Local)
}

func (s *Server) handleReminderAdd(w http.ResponseWriter, r *http.Request) {
	var body struct {
		At string `json:"at"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad JSON: " + err.Error()})
		return
	}
	at, err := time.ParseInLocation(event.TimeLayout, body.At, time.Local)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad at: " + err.Error()})
		return
	}

	id := r.PathValue("id")
	if _, ok := s.store.Get(id); !ok {
		http.NotFound(w, r)
		return
	}
	var jobID string
	err = s.store.Mutate(id, func(ev *event.Event) error {
		var err error
		jobID, err = ev.AddReminder(at)
		return err
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": jobID, "at": body.At})
}

func (s *Server) handleReminderRemove(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, ok := s.store.Get(id); !ok {
		http.NotFound(w, r)
		return
	}
	// A reminder id the scheduler has already dropped is fine.
	_ = s.store.Mutate(id, func(ev *event.Event) error {
		ev.RemoveReminder(r.PathValue("rid"))
		return nil
	})
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleExclude(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Occurrence string `json:"occurrence"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad JSON: " + err.Error()})
		return
	}
	occ, err := time.ParseInLocation(event.TimeLayout, body.Occurrence, time.Local)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad occurrence: " + err.Error()})
		return
	}
	id := r.PathValue("id")
	if _, ok := s.store.Get(id); !ok {
		http.NotFound(w, r)
		return
	}
	if err := s.store.Mutate(id, func(ev *event.Event) error { return ev.ExcludeDate(occ) }); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if err := s.store.RefreshAllReminders(); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "refreshed"})
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/calendar")
	_, _ = w.Write([]byte(ics.Export(s.store.All())))
}

func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	body, err := readAll(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	events, err := ics.Import(body, event.SourceLocal, s.store.Deps())
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	added := 0
	for _, ev := range events {
		if err := s.store.Add(ev); err != nil {
			applog.Error("import: event not added", err, "id", ev.ID())
			continue
		}
		err := s.store.Mutate(ev.ID(), func(e *event.Event) error {
			return e.RefreshReminders()
		})
		if err != nil {
			applog.Error("import: reminders not scheduled", err, "id", ev.ID())
		}
		added++
	}
	writeJSON(w, http.StatusOK, map[string]int{"imported": added})
}

func readAll(r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	return io.ReadAll(r.Body)
}
