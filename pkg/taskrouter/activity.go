package taskrouter

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"time"
)

// Activity is a worker availability state defined in the workspace.
type Activity struct {
	w   *Worker
	sid string

	name        string
	available   bool
	isCurrent   bool
	dateCreated time.Time
	dateUpdated time.Time
}

func newActivity(w *Worker, p *activityPayload) *Activity {
	a := &Activity{w: w, sid: p.Sid}
	a.applyLocked(p)
	return a
}

func (a *Activity) applyLocked(p *activityPayload) {
	setString(&a.name, p.FriendlyName)
	setBool(&a.available, p.Available)
	setTime(&a.dateCreated, p.DateCreated)
	setTime(&a.dateUpdated, p.DateUpdated)
}

// Sid returns the activity sid.
func (a *Activity) Sid() string { return a.sid }

// Name returns the friendly name.
func (a *Activity) Name() string {
	a.w.mu.RLock()
	defer a.w.mu.RUnlock()
	return a.name
}

// Available reports whether workers in this activity can receive work.
func (a *Activity) Available() bool {
	a.w.mu.RLock()
	defer a.w.mu.RUnlock()
	return a.available
}

// IsCurrent reports whether this is the worker's current activity.
func (a *Activity) IsCurrent() bool {
	a.w.mu.RLock()
	defer a.w.mu.RUnlock()
	return a.isCurrent
}

func (a *Activity) DateCreated() time.Time {
	a.w.mu.RLock()
	defer a.w.mu.RUnlock()
	return a.dateCreated
}

func (a *Activity) DateUpdated() time.Time {
	a.w.mu.RLock()
	defer a.w.mu.RUnlock()
	return a.dateUpdated
}

// SetActivityOptions modifies an activity change.
type SetActivityOptions struct {
	// RejectPendingReservations rejects pending reservations when moving
	// to an unavailable activity.
	RejectPendingReservations bool
}

// SetAsCurrent moves the worker to this activity. The worker state is
// updated from the response; the matching activity event follows.
func (a *Activity) SetAsCurrent(ctx context.Context, opts SetActivityOptions) error {
	params := url.Values{}
	params.Set("ActivitySid", a.sid)
	if opts.RejectPendingReservations {
		params.Set("RejectPendingReservations", strconv.FormatBool(true))
	}
	if err := a.w.updateWorker(ctx, params, nil); err != nil {
		return fmt.Errorf("set activity %s: %w", a.sid, err)
	}
	return nil
}
