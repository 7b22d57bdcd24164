package taskrouter

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
)

// activityStore holds the workspace activities and tracks the current one.
// All methods require w.mu.
type activityStore struct {
	byID    map[string]*Activity
	current *Activity
}

func newActivityStore() *activityStore {
	return &activityStore{byID: make(map[string]*Activity)}
}

func (s *activityStore) get(sid string) (*Activity, bool) {
	a, ok := s.byID[sid]
	return a, ok
}

// replace swaps in a fresh snapshot and re-resolves the current activity.
func (s *activityStore) replace(next map[string]*Activity, currentSid string) {
	s.byID = next
	s.current = nil
	for _, a := range next {
		a.isCurrent = false
	}
	s.setCurrent(currentSid)
}

// setCurrent moves the current flag to sid. Both flags change under the
// same lock, so readers never see zero or two current activities once one
// was set. It reports false if sid is unknown.
func (s *activityStore) setCurrent(sid string) bool {
	next, ok := s.byID[sid]
	if !ok {
		return false
	}
	if s.current != nil && s.current != next {
		s.current.isCurrent = false
	}
	next.isCurrent = true
	s.current = next
	return true
}

func (s *activityStore) list() []*Activity {
	out := make([]*Activity, 0, len(s.byID))
	for _, a := range s.byID {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].sid < out[j].sid })
	return out
}

// refreshActivities fetches every workspace activity into a fresh map.
// Activities already known by sid keep their identity.
func (w *Worker) refreshActivities(ctx context.Context) error {
	var payloads []*activityPayload
	err := w.fetchPages(ctx, w.workspacePath()+"/Activities", nil, func(contents []json.RawMessage) error {
		for _, raw := range contents {
			var p activityPayload
			if err := json.Unmarshal(raw, &p); err != nil {
				return fmt.Errorf("decode activity: %v: %w", err, ErrInvalidPayload)
			}
			if p.Sid == "" {
				return fmt.Errorf("activity without sid: %w", ErrInvalidPayload)
			}
			payloads = append(payloads, &p)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("refresh activities: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	next := make(map[string]*Activity, len(payloads))
	for _, p := range payloads {
		if a, ok := w.activities.get(p.Sid); ok {
			a.applyLocked(p)
			next[p.Sid] = a
			continue
		}
		next[p.Sid] = newActivity(w, p)
	}
	w.activities.replace(next, w.activitySid)
	return nil
}
