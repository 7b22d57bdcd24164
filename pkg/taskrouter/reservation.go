package taskrouter

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"
)

// ReservationStatus is the state of a reservation.
type ReservationStatus string

const (
	ReservationPending   ReservationStatus = "pending"
	ReservationAccepted  ReservationStatus = "accepted"
	ReservationRejected  ReservationStatus = "rejected"
	ReservationTimeout   ReservationStatus = "timeout"
	ReservationCanceled  ReservationStatus = "canceled"
	ReservationRescinded ReservationStatus = "rescinded"
	ReservationWrapping  ReservationStatus = "wrapping"
	ReservationCompleted ReservationStatus = "completed"
)

// Terminal reports whether the reservation has left the worker for good.
func (s ReservationStatus) Terminal() bool {
	switch s {
	case ReservationRejected, ReservationTimeout, ReservationCanceled, ReservationRescinded, ReservationCompleted:
		return true
	default:
		return false
	}
}

// ReservationCallbacks observe a reservation. Any field may be nil.
type ReservationCallbacks struct {
	OnAccepted  func(r *Reservation)
	OnRejected  func(r *Reservation)
	OnTimeout   func(r *Reservation)
	OnCanceled  func(r *Reservation)
	OnRescinded func(r *Reservation)
	OnWrapup    func(r *Reservation)
	OnCompleted func(r *Reservation)
}

// ignoreFields suppresses payload fields during an update. Some events and
// command responses omit them on purpose.
type ignoreFields uint8

const (
	ignoreTask ignoreFields = 1 << iota
	ignoreCanceledReasonCode
)

func (f ignoreFields) has(flag ignoreFields) bool {
	return f&flag != 0
}

// Reservation offers a task to the worker.
type Reservation struct {
	w   *Worker
	sid string

	status             ReservationStatus
	workerSid          string
	taskSid            string
	timeout            int
	dateCreated        time.Time
	dateUpdated        time.Time
	version            int64
	canceledReasonCode *int
	task               *Task

	observers observers[ReservationCallbacks]
}

func newReservation(w *Worker, p *reservationPayload) *Reservation {
	r := &Reservation{w: w, sid: p.Sid}
	r.applyLocked(p, 0)
	return r
}

// applyLocked copies the payload into the reservation. Callers hold w.mu.
func (r *Reservation) applyLocked(p *reservationPayload, ignore ignoreFields) {
	if p.ReservationStatus != nil {
		r.status = ReservationStatus(*p.ReservationStatus)
	}
	setString(&r.workerSid, p.WorkerSid)
	if sid := p.taskSid(); sid != "" {
		r.taskSid = sid
	}
	setInt(&r.timeout, p.Timeout)
	setTime(&r.dateCreated, p.DateCreated)
	setTime(&r.dateUpdated, p.DateUpdated)
	setVersion(&r.version, p.Version)

	if !ignore.has(ignoreTask) && p.Task != nil {
		if r.task == nil {
			r.task = newTask(r.w, r.sid, p.Task)
		} else {
			r.task.applyLocked(p.Task)
		}
	}

	if !ignore.has(ignoreCanceledReasonCode) && p.CanceledReasonCode != nil {
		code := *p.CanceledReasonCode
		r.canceledReasonCode = &code
	}

	// Transfers hang off the task; without one there is nothing to attach to.
	if r.task != nil {
		if p.TaskTransfer != nil && p.TaskTransfer.Sid != "" {
			r.task.transfers.setIncomingLocked(r.w, p.TaskTransfer)
		}
		if p.ActiveOutgoingTaskTransfer != nil && p.ActiveOutgoingTaskTransfer.Sid != "" {
			r.task.transfers.setOutgoingLocked(r.w, p.ActiveOutgoingTaskTransfer)
		}
	}
}

// Sid returns the reservation sid.
func (r *Reservation) Sid() string { return r.sid }

func (r *Reservation) Status() ReservationStatus {
	r.w.mu.RLock()
	defer r.w.mu.RUnlock()
	return r.status
}

func (r *Reservation) WorkerSid() string {
	r.w.mu.RLock()
	defer r.w.mu.RUnlock()
	return r.workerSid
}

func (r *Reservation) TaskSid() string {
	r.w.mu.RLock()
	defer r.w.mu.RUnlock()
	return r.taskSid
}

// Timeout is the reservation timeout in seconds.
func (r *Reservation) Timeout() int {
	r.w.mu.RLock()
	defer r.w.mu.RUnlock()
	return r.timeout
}

func (r *Reservation) DateCreated() time.Time {
	r.w.mu.RLock()
	defer r.w.mu.RUnlock()
	return r.dateCreated
}

func (r *Reservation) DateUpdated() time.Time {
	r.w.mu.RLock()
	defer r.w.mu.RUnlock()
	return r.dateUpdated
}

func (r *Reservation) Version() int64 {
	r.w.mu.RLock()
	defer r.w.mu.RUnlock()
	return r.version
}

// CanceledReasonCode returns the cancellation cause. The second result is
// false unless a cancellation event carried one.
func (r *Reservation) CanceledReasonCode() (int, bool) {
	r.w.mu.RLock()
	defer r.w.mu.RUnlock()
	if r.canceledReasonCode == nil {
		return 0, false
	}
	return *r.canceledReasonCode, true
}

// Task returns the reservation's task. It is nil only if the backend never
// sent one.
func (r *Reservation) Task() *Task {
	r.w.mu.RLock()
	defer r.w.mu.RUnlock()
	return r.task
}

// Observe registers callbacks and returns a function that removes them.
func (r *Reservation) Observe(cb ReservationCallbacks) func() {
	return r.observers.add(cb)
}

// Accept accepts a pending reservation.
func (r *Reservation) Accept(ctx context.Context) error {
	if err := r.requireStatus("accept", ReservationPending); err != nil {
		return err
	}
	params := url.Values{}
	params.Set("ReservationStatus", string(ReservationAccepted))
	return r.update(ctx, "accept", params)
}

// RejectOptions configure Reservation.Reject.
type RejectOptions struct {
	// ActivitySid moves the worker to this activity after rejecting.
	ActivitySid string
}

// Reject rejects a pending reservation.
func (r *Reservation) Reject(ctx context.Context, opts RejectOptions) error {
	if err := r.requireStatus("reject", ReservationPending); err != nil {
		return err
	}
	params := url.Values{}
	params.Set("ReservationStatus", string(ReservationRejected))
	if opts.ActivitySid != "" {
		params.Set("WorkerActivitySid", opts.ActivitySid)
	}
	return r.update(ctx, "reject", params)
}

// Wrap moves an accepted reservation to wrapping.
func (r *Reservation) Wrap(ctx context.Context) error {
	if err := r.requireStatus("wrap", ReservationAccepted); err != nil {
		return err
	}
	params := url.Values{}
	params.Set("ReservationStatus", string(ReservationWrapping))
	return r.update(ctx, "wrap", params)
}

// Complete completes an accepted or wrapping reservation.
func (r *Reservation) Complete(ctx context.Context) error {
	if err := r.requireStatus("complete", ReservationAccepted, ReservationWrapping); err != nil {
		return err
	}
	params := url.Values{}
	params.Set("ReservationStatus", string(ReservationCompleted))
	return r.update(ctx, "complete", params)
}

func (r *Reservation) requireStatus(op string, allowed ...ReservationStatus) error {
	r.w.mu.RLock()
	status := r.status
	r.w.mu.RUnlock()
	for _, s := range allowed {
		if status == s {
			return nil
		}
	}
	return stateError("reservation", r.sid, op, string(status))
}

// update posts params and applies the response. The task is left to the
// events that follow, which carry the authoritative task state.
func (r *Reservation) update(ctx context.Context, op string, params url.Values) error {
	raw, err := r.w.requester.Post(ctx, r.w.reservationPath(r.sid), params, r.w.opts.APIVersion, nil)
	if err != nil {
		return fmt.Errorf("%s reservation %s: %w", op, r.sid, err)
	}
	if len(raw) == 0 {
		return nil
	}

	var p reservationPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return fmt.Errorf("%s reservation %s: %v: %w", op, r.sid, err, ErrInvalidPayload)
	}

	r.w.mu.Lock()
	r.applyLocked(&p, ignoreTask)
	r.w.mu.Unlock()
	return nil
}

func (r *Reservation) notify(kind EventKind) {
	for _, cb := range r.observers.snapshot() {
		var f func(*Reservation)
		switch kind {
		case EventReservationAccepted:
			f = cb.OnAccepted
		case EventReservationRejected:
			f = cb.OnRejected
		case EventReservationTimeout:
			f = cb.OnTimeout
		case EventReservationCanceled:
			f = cb.OnCanceled
		case EventReservationRescinded:
			f = cb.OnRescinded
		case EventReservationWrapup:
			f = cb.OnWrapup
		case EventReservationCompleted:
			f = cb.OnCompleted
		}
		if f != nil {
			f(r)
		}
	}
}
