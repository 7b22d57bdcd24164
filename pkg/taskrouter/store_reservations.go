package taskrouter

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"time"
)

// activeReservationStatuses are fetched on a full refresh.
const activeReservationStatuses = "pending,accepted,wrapping"

type reservationEntry struct {
	r       *Reservation
	deleted bool
	timer   *time.Timer
}

// reservationStore holds the worker's reservations and the task reverse
// index. All methods require w.mu.
type reservationStore struct {
	entries map[string]*reservationEntry
	byTask  map[string][]string
	grace   time.Duration
}

func newReservationStore(grace time.Duration) *reservationStore {
	return &reservationStore{
		entries: make(map[string]*reservationEntry),
		byTask:  make(map[string][]string),
		grace:   grace,
	}
}

// get resolves sid, including soft-deleted entries still in their grace window.
func (s *reservationStore) get(sid string) (*Reservation, bool) {
	e, ok := s.entries[sid]
	if !ok {
		return nil, false
	}
	return e.r, true
}

// insert adds or replaces r and indexes it under its task sid.
func (s *reservationStore) insert(r *Reservation) {
	if prev, ok := s.entries[r.sid]; ok && prev.timer != nil {
		prev.timer.Stop()
	}
	s.entries[r.sid] = &reservationEntry{r: r}
	s.index(r.taskSid, r.sid)
}

func (s *reservationStore) index(taskSid, reservationSid string) {
	if taskSid == "" {
		return
	}
	for _, sid := range s.byTask[taskSid] {
		if sid == reservationSid {
			return
		}
	}
	s.byTask[taskSid] = append(s.byTask[taskSid], reservationSid)
}

func (s *reservationStore) unindex(taskSid, reservationSid string) {
	sids := s.byTask[taskSid]
	for i, sid := range sids {
		if sid == reservationSid {
			sids = append(sids[:i:i], sids[i+1:]...)
			break
		}
	}
	if len(sids) == 0 {
		delete(s.byTask, taskSid)
		return
	}
	s.byTask[taskSid] = sids
}

// forTask returns every reservation indexed under taskSid, in insertion order.
func (s *reservationStore) forTask(taskSid string) []*Reservation {
	sids := s.byTask[taskSid]
	out := make([]*Reservation, 0, len(sids))
	for _, sid := range sids {
		if e, ok := s.entries[sid]; ok {
			out = append(out, e.r)
		}
	}
	return out
}

// indexed returns the reservation sids indexed under taskSid.
func (s *reservationStore) indexed(taskSid string) []string {
	return append([]string(nil), s.byTask[taskSid]...)
}

// visible returns the reservations that are not soft-deleted, sorted by
// creation time then sid.
func (s *reservationStore) visible() []*Reservation {
	out := make([]*Reservation, 0, len(s.entries))
	for _, e := range s.entries {
		if !e.deleted {
			out = append(out, e.r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].dateCreated.Equal(out[j].dateCreated) {
			return out[i].dateCreated.Before(out[j].dateCreated)
		}
		return out[i].sid < out[j].sid
	})
	return out
}

func (s *reservationStore) visibleCount() int {
	n := 0
	for _, e := range s.entries {
		if !e.deleted {
			n++
		}
	}
	return n
}

// softDelete hides sid and schedules purge after the grace window. The purge
// callback receives the entry so it can tell whether sid was replaced since.
func (s *reservationStore) softDelete(sid string, purge func(sid string, e *reservationEntry)) bool {
	e, ok := s.entries[sid]
	if !ok || e.deleted {
		return false
	}
	e.deleted = true
	e.timer = time.AfterFunc(s.grace, func() {
		purge(sid, e)
	})
	return true
}

// purge removes sid if it still maps to e.
func (s *reservationStore) purge(sid string, e *reservationEntry) bool {
	cur, ok := s.entries[sid]
	if !ok || cur != e {
		return false
	}
	delete(s.entries, sid)
	s.unindex(e.r.taskSid, sid)
	return true
}

// purgeAll stops every pending purge timer and removes soft-deleted entries
// immediately. It returns the number of entries removed.
func (s *reservationStore) purgeAll() int {
	n := 0
	for sid, e := range s.entries {
		if e.timer != nil {
			e.timer.Stop()
		}
		if e.deleted && s.purge(sid, e) {
			n++
		}
	}
	return n
}

// reset drops every entry ahead of a full refresh.
func (s *reservationStore) reset() {
	for _, e := range s.entries {
		if e.timer != nil {
			e.timer.Stop()
		}
	}
	s.entries = make(map[string]*reservationEntry)
	s.byTask = make(map[string][]string)
}

// refreshReservations replaces the reservation snapshot with the active
// reservations on the backend. The store is cleared when the first page
// lands; reservations already known by sid keep their identity and observers.
func (w *Worker) refreshReservations(ctx context.Context) error {
	query := url.Values{}
	query.Set("ReservationStatus", activeReservationStatuses)

	var previous map[string]*Reservation
	first := true

	err := w.fetchPages(ctx, w.workerPath()+"/Reservations", query, func(contents []json.RawMessage) error {
		payloads := make([]*reservationPayload, 0, len(contents))
		for _, raw := range contents {
			var p reservationPayload
			if err := json.Unmarshal(raw, &p); err != nil {
				return fmt.Errorf("decode reservation: %v: %w", err, ErrInvalidPayload)
			}
			if p.Sid == "" {
				return fmt.Errorf("reservation without sid: %w", ErrInvalidPayload)
			}
			payloads = append(payloads, &p)
		}

		w.mu.Lock()
		defer w.mu.Unlock()

		if first {
			previous = make(map[string]*Reservation, len(w.reservations.entries))
			for sid, e := range w.reservations.entries {
				previous[sid] = e.r
			}
			w.reservations.reset()
			first = false
		}

		for _, p := range payloads {
			r, ok := previous[p.Sid]
			if ok {
				r.applyLocked(p, 0)
			} else {
				r = newReservation(w, p)
			}
			w.reservations.insert(r)
		}
		w.metrics.reservations.Set(float64(w.reservations.visibleCount()))
		return nil
	})
	if err != nil {
		return fmt.Errorf("refresh reservations: %w", err)
	}
	return nil
}
