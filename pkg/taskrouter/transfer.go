package taskrouter

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"
)

// TransferStatus is the overall state of a transfer.
type TransferStatus string

const (
	TransferInitiated TransferStatus = "initiated"
	TransferFailed    TransferStatus = "failed"
	TransferCompleted TransferStatus = "completed"
	TransferCanceled  TransferStatus = "canceled"
)

// Terminal reports whether no further status changes are expected.
func (s TransferStatus) Terminal() bool {
	return s == TransferFailed || s == TransferCompleted || s == TransferCanceled
}

// TransferMode controls whether the transferring worker stays on the task.
type TransferMode string

const (
	TransferModeWarm TransferMode = "WARM"
	TransferModeCold TransferMode = "COLD"
)

// TransferType is the kind of transfer target.
type TransferType string

const (
	TransferToWorker TransferType = "WORKER"
	TransferToQueue  TransferType = "QUEUE"
)

// transfer holds the fields shared by incoming and outgoing transfers.
type transfer struct {
	w   *Worker
	sid string

	taskSid                  string
	initiatingReservationSid string
	initiatingWorkerSid      string
	initiatingQueueSid       string
	initiatingQueueName      string
	reservationSid           string
	mode                     TransferMode
	transferType             TransferType
	to                       string
	status                   TransferStatus
	dateCreated              time.Time
	dateUpdated              time.Time
}

func (t *transfer) applyLocked(p *transferPayload, keepStatus bool) {
	setString(&t.taskSid, p.TaskSid)
	setString(&t.initiatingReservationSid, p.InitiatingReservationSid)
	setString(&t.initiatingWorkerSid, p.InitiatingWorkerSid)
	setString(&t.initiatingQueueSid, p.InitiatingQueueSid)
	setString(&t.initiatingQueueName, p.InitiatingQueueName)
	setString(&t.reservationSid, p.ReservationSid)
	setString(&t.to, p.To)
	if p.Mode != nil {
		t.mode = TransferMode(*p.Mode)
	}
	if p.Type != nil {
		t.transferType = TransferType(*p.Type)
	}
	if p.TransferStatus != nil && !keepStatus {
		t.status = TransferStatus(*p.TransferStatus)
	}
	setTime(&t.dateCreated, p.DateCreated)
	setTime(&t.dateUpdated, p.DateUpdated)
}

// Sid returns the transfer sid.
func (t *transfer) Sid() string { return t.sid }

func (t *transfer) TaskSid() string {
	t.w.mu.RLock()
	defer t.w.mu.RUnlock()
	return t.taskSid
}

// InitiatingReservationSid is the reservation the transfer was started from.
func (t *transfer) InitiatingReservationSid() string {
	t.w.mu.RLock()
	defer t.w.mu.RUnlock()
	return t.initiatingReservationSid
}

func (t *transfer) InitiatingWorkerSid() string {
	t.w.mu.RLock()
	defer t.w.mu.RUnlock()
	return t.initiatingWorkerSid
}

func (t *transfer) InitiatingQueueSid() string {
	t.w.mu.RLock()
	defer t.w.mu.RUnlock()
	return t.initiatingQueueSid
}

func (t *transfer) InitiatingQueueName() string {
	t.w.mu.RLock()
	defer t.w.mu.RUnlock()
	return t.initiatingQueueName
}

func (t *transfer) Mode() TransferMode {
	t.w.mu.RLock()
	defer t.w.mu.RUnlock()
	return t.mode
}

func (t *transfer) Type() TransferType {
	t.w.mu.RLock()
	defer t.w.mu.RUnlock()
	return t.transferType
}

// To is the target worker or queue sid.
func (t *transfer) To() string {
	t.w.mu.RLock()
	defer t.w.mu.RUnlock()
	return t.to
}

func (t *transfer) Status() TransferStatus {
	t.w.mu.RLock()
	defer t.w.mu.RUnlock()
	return t.status
}

func (t *transfer) DateUpdated() time.Time {
	t.w.mu.RLock()
	defer t.w.mu.RUnlock()
	return t.dateUpdated
}

// IncomingTransfer is the transfer that produced the worker's reservation.
type IncomingTransfer struct {
	transfer
}

func newIncomingTransfer(w *Worker, p *transferPayload) *IncomingTransfer {
	t := &IncomingTransfer{transfer: transfer{w: w, sid: p.Sid}}
	t.applyLocked(p, false)
	return t
}

// TransferCallbacks observe an outgoing transfer. Any field may be nil.
type TransferCallbacks struct {
	OnAttemptFailed func(t *OutgoingTransfer)
	OnCompleted     func(t *OutgoingTransfer)
	OnFailed        func(t *OutgoingTransfer)
	OnCanceled      func(t *OutgoingTransfer)
}

// OutgoingTransfer is a transfer this worker initiated.
type OutgoingTransfer struct {
	transfer
	observers observers[TransferCallbacks]
}

func newOutgoingTransfer(w *Worker, p *transferPayload) *OutgoingTransfer {
	t := &OutgoingTransfer{transfer: transfer{w: w, sid: p.Sid}}
	t.applyLocked(p, false)
	return t
}

// Observe registers callbacks and returns a function that removes them.
func (t *OutgoingTransfer) Observe(cb TransferCallbacks) func() {
	return t.observers.add(cb)
}

// Cancel asks the backend to cancel the transfer. Calling it on a transfer
// that already finished returns the backend's error.
func (t *OutgoingTransfer) Cancel(ctx context.Context) error {
	t.w.mu.RLock()
	taskSid := t.taskSid
	t.w.mu.RUnlock()

	params := url.Values{}
	params.Set("TransferStatus", string(TransferCanceled))

	raw, err := t.w.requester.Post(ctx, t.w.transferPath(taskSid, t.sid), params, t.w.opts.APIVersion, nil)
	if err != nil {
		return fmt.Errorf("cancel transfer %s: %w", t.sid, err)
	}
	if len(raw) == 0 {
		return nil
	}

	var p transferPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return fmt.Errorf("cancel transfer %s: %v: %w", t.sid, err, ErrInvalidPayload)
	}

	t.w.mu.Lock()
	t.applyLocked(&p, false)
	t.w.mu.Unlock()
	return nil
}

func (t *OutgoingTransfer) notify(kind EventKind) {
	for _, cb := range t.observers.snapshot() {
		var f func(*OutgoingTransfer)
		switch kind {
		case EventTaskTransferAttemptFailed:
			f = cb.OnAttemptFailed
		case EventTaskTransferCompleted:
			f = cb.OnCompleted
		case EventTaskTransferFailed:
			f = cb.OnFailed
		case EventTaskTransferCanceled:
			f = cb.OnCanceled
		}
		if f != nil {
			f(t)
		}
	}
}

// Transfers groups a task's incoming and outgoing transfers. Either may be nil.
type Transfers struct {
	Incoming *IncomingTransfer
	Outgoing *OutgoingTransfer
}

// setIncomingLocked replaces or updates the incoming transfer.
func (tr *Transfers) setIncomingLocked(w *Worker, p *transferPayload) {
	if tr.Incoming != nil && tr.Incoming.sid == p.Sid {
		tr.Incoming.applyLocked(p, false)
		return
	}
	tr.Incoming = newIncomingTransfer(w, p)
}

// setOutgoingLocked replaces or updates the outgoing transfer and returns it.
func (tr *Transfers) setOutgoingLocked(w *Worker, p *transferPayload) *OutgoingTransfer {
	if tr.Outgoing != nil && tr.Outgoing.sid == p.Sid {
		tr.Outgoing.applyLocked(p, false)
		return tr.Outgoing
	}
	tr.Outgoing = newOutgoingTransfer(w, p)
	return tr.Outgoing
}
