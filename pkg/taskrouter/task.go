package taskrouter

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// TaskStatus is the assignment status of a task.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskReserved  TaskStatus = "reserved"
	TaskAssigned  TaskStatus = "assigned"
	TaskWrapping  TaskStatus = "wrapping"
	TaskCompleted TaskStatus = "completed"
	TaskCanceled  TaskStatus = "canceled"
)

// TaskCallbacks observe a task. Any field may be nil.
type TaskCallbacks struct {
	OnUpdated   func(t *Task)
	OnCanceled  func(t *Task)
	OnCompleted func(t *Task)
	OnWrapup    func(t *Task)

	OnTransferInitiated     func(t *Task, transfer *OutgoingTransfer)
	OnTransferAttemptFailed func(t *Task, transfer *OutgoingTransfer)
	OnTransferCompleted     func(t *Task, transfer *OutgoingTransfer)
	OnTransferFailed        func(t *Task, transfer *OutgoingTransfer)
	OnTransferCanceled      func(t *Task, transfer *OutgoingTransfer)
}

// Task is the work item behind a reservation. Each reservation owns its own
// Task value; task events fan out to every reservation for the same sid.
type Task struct {
	w              *Worker
	sid            string
	reservationSid string

	status                TaskStatus
	attributes            Attributes
	age                   int
	priority              int
	reason                string
	timeout               int
	queueSid              string
	queueName             string
	taskChannelSid        string
	taskChannelUniqueName string
	workflowSid           string
	workflowName          string
	routingTarget         string
	dateCreated           time.Time
	dateUpdated           time.Time
	version               int64
	transfers             Transfers

	observers observers[TaskCallbacks]
}

func newTask(w *Worker, reservationSid string, p *taskPayload) *Task {
	t := &Task{w: w, sid: p.Sid, reservationSid: reservationSid}
	t.applyLocked(p)
	return t
}

func (t *Task) applyLocked(p *taskPayload) {
	if p.AssignmentStatus != nil {
		t.status = TaskStatus(*p.AssignmentStatus)
	}
	if p.Attributes != nil {
		t.attributes = p.Attributes.clone()
	}
	setInt(&t.age, p.Age)
	setInt(&t.priority, p.Priority)
	setString(&t.reason, p.Reason)
	setInt(&t.timeout, p.Timeout)
	setString(&t.queueSid, p.QueueSid)
	setString(&t.queueName, p.QueueName)
	setString(&t.taskChannelSid, p.TaskChannelSid)
	setString(&t.taskChannelUniqueName, p.TaskChannelUniqueName)
	setString(&t.workflowSid, p.WorkflowSid)
	setString(&t.workflowName, p.WorkflowName)
	setString(&t.routingTarget, p.RoutingTarget)
	setTime(&t.dateCreated, p.DateCreated)
	setTime(&t.dateUpdated, p.DateUpdated)
	setVersion(&t.version, p.Version)
}

// Sid returns the task sid.
func (t *Task) Sid() string { return t.sid }

// ReservationSid returns the reservation owning this task value.
func (t *Task) ReservationSid() string { return t.reservationSid }

func (t *Task) Status() TaskStatus {
	t.w.mu.RLock()
	defer t.w.mu.RUnlock()
	return t.status
}

// Attributes returns a copy of the task attributes.
func (t *Task) Attributes() Attributes {
	t.w.mu.RLock()
	defer t.w.mu.RUnlock()
	return t.attributes.clone()
}

func (t *Task) Age() int {
	t.w.mu.RLock()
	defer t.w.mu.RUnlock()
	return t.age
}

func (t *Task) Priority() int {
	t.w.mu.RLock()
	defer t.w.mu.RUnlock()
	return t.priority
}

func (t *Task) Reason() string {
	t.w.mu.RLock()
	defer t.w.mu.RUnlock()
	return t.reason
}

func (t *Task) Timeout() int {
	t.w.mu.RLock()
	defer t.w.mu.RUnlock()
	return t.timeout
}

func (t *Task) QueueSid() string {
	t.w.mu.RLock()
	defer t.w.mu.RUnlock()
	return t.queueSid
}

func (t *Task) QueueName() string {
	t.w.mu.RLock()
	defer t.w.mu.RUnlock()
	return t.queueName
}

func (t *Task) TaskChannelUniqueName() string {
	t.w.mu.RLock()
	defer t.w.mu.RUnlock()
	return t.taskChannelUniqueName
}

func (t *Task) WorkflowSid() string {
	t.w.mu.RLock()
	defer t.w.mu.RUnlock()
	return t.workflowSid
}

func (t *Task) WorkflowName() string {
	t.w.mu.RLock()
	defer t.w.mu.RUnlock()
	return t.workflowName
}

func (t *Task) DateCreated() time.Time {
	t.w.mu.RLock()
	defer t.w.mu.RUnlock()
	return t.dateCreated
}

func (t *Task) DateUpdated() time.Time {
	t.w.mu.RLock()
	defer t.w.mu.RUnlock()
	return t.dateUpdated
}

func (t *Task) Version() int64 {
	t.w.mu.RLock()
	defer t.w.mu.RUnlock()
	return t.version
}

// Transfers returns the task's transfers.
func (t *Task) Transfers() Transfers {
	t.w.mu.RLock()
	defer t.w.mu.RUnlock()
	return t.transfers
}

// Observe registers callbacks and returns a function that removes them.
func (t *Task) Observe(cb TaskCallbacks) func() {
	return t.observers.add(cb)
}

// Complete marks the task completed.
func (t *Task) Complete(ctx context.Context, reason string) error {
	if err := t.requireStatus("complete", TaskAssigned, TaskWrapping); err != nil {
		return err
	}
	params := url.Values{}
	params.Set("AssignmentStatus", string(TaskCompleted))
	params.Set("Reason", reason)
	return t.update(ctx, "complete", params, nil)
}

// Wrap moves the task to wrapping.
func (t *Task) Wrap(ctx context.Context, reason string) error {
	if err := t.requireStatus("wrap", TaskAssigned); err != nil {
		return err
	}
	params := url.Values{}
	params.Set("AssignmentStatus", string(TaskWrapping))
	params.Set("Reason", reason)
	return t.update(ctx, "wrap", params, nil)
}

// SetAttributes replaces the task attributes. The write is conditional on the
// task version held locally.
func (t *Task) SetAttributes(ctx context.Context, attrs any) error {
	encoded, err := EncodeAttributes(attrs)
	if err != nil {
		return err
	}
	t.w.mu.RLock()
	version := t.version
	t.w.mu.RUnlock()

	params := url.Values{}
	params.Set("Attributes", encoded)
	return t.update(ctx, "set attributes", params, &version)
}

// TransferOptions configure Task.Transfer.
type TransferOptions struct {
	// Mode defaults to TransferModeWarm.
	Mode TransferMode

	// Type is inferred from the target sid prefix when empty.
	Type TransferType

	// Priority overrides the task priority for the transfer when non-nil.
	Priority *int

	// Attributes are merged into the transferred task.
	Attributes any
}

// Transfer hands the task to a worker ("WK...") or queue ("WQ...").
func (t *Task) Transfer(ctx context.Context, to string, opts TransferOptions) (*OutgoingTransfer, error) {
	if to == "" {
		return nil, fmt.Errorf("transfer target required: %w", ErrInvalidArgument)
	}
	if err := t.requireStatus("transfer", TaskAssigned); err != nil {
		return nil, err
	}

	mode := opts.Mode
	if mode == "" {
		mode = TransferModeWarm
	}
	if mode != TransferModeWarm && mode != TransferModeCold {
		return nil, fmt.Errorf("transfer mode %q: %w", mode, ErrInvalidArgument)
	}

	transferType := opts.Type
	if transferType == "" {
		switch {
		case strings.HasPrefix(to, "WK"):
			transferType = TransferToWorker
		case strings.HasPrefix(to, "WQ"):
			transferType = TransferToQueue
		default:
			return nil, fmt.Errorf("cannot infer transfer type for %q: %w", to, ErrInvalidArgument)
		}
	}

	params := url.Values{}
	params.Set("To", to)
	params.Set("Mode", string(mode))
	params.Set("Type", string(transferType))
	if opts.Priority != nil {
		params.Set("Priority", strconv.Itoa(*opts.Priority))
	}
	if opts.Attributes != nil {
		encoded, err := EncodeAttributes(opts.Attributes)
		if err != nil {
			return nil, err
		}
		params.Set("Attributes", encoded)
	}

	raw, err := t.w.requester.Post(ctx, t.w.transfersPath(t.sid), params, t.w.opts.APIVersion, nil)
	if err != nil {
		return nil, fmt.Errorf("transfer task %s: %w", t.sid, err)
	}

	var p transferPayload
	if err := json.Unmarshal(raw, &p); err != nil || p.Sid == "" {
		return nil, fmt.Errorf("transfer task %s: unexpected response: %w", t.sid, ErrInvalidPayload)
	}

	t.w.mu.Lock()
	outgoing := t.transfers.setOutgoingLocked(t.w, &p)
	t.w.mu.Unlock()
	return outgoing, nil
}

func (t *Task) requireStatus(op string, allowed ...TaskStatus) error {
	t.w.mu.RLock()
	status := t.status
	t.w.mu.RUnlock()
	for _, s := range allowed {
		if status == s {
			return nil
		}
	}
	return stateError("task", t.sid, op, string(status))
}

func (t *Task) update(ctx context.Context, op string, params url.Values, ifMatch *int64) error {
	raw, err := t.w.requester.Post(ctx, t.w.taskPath(t.sid), params, t.w.opts.APIVersion, ifMatch)
	if err != nil {
		return fmt.Errorf("%s task %s: %w", op, t.sid, err)
	}
	if len(raw) == 0 {
		return nil
	}

	var p taskPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return fmt.Errorf("%s task %s: %v: %w", op, t.sid, err, ErrInvalidPayload)
	}

	t.w.mu.Lock()
	t.applyLocked(&p)
	t.w.mu.Unlock()
	return nil
}

// notify runs the task-level callbacks for kind.
func (t *Task) notify(kind EventKind) {
	for _, cb := range t.observers.snapshot() {
		var f func(*Task)
		switch kind {
		case EventTaskUpdated:
			f = cb.OnUpdated
		case EventTaskCanceled:
			f = cb.OnCanceled
		case EventTaskCompleted:
			f = cb.OnCompleted
		case EventTaskWrapup:
			f = cb.OnWrapup
		}
		if f != nil {
			f(t)
		}
	}
}

// notifyTransfer runs the transfer callbacks on the task and on the
// outgoing transfer itself.
func (t *Task) notifyTransfer(kind EventKind, transfer *OutgoingTransfer) {
	for _, cb := range t.observers.snapshot() {
		var f func(*Task, *OutgoingTransfer)
		switch kind {
		case EventTaskTransferInitiated:
			f = cb.OnTransferInitiated
		case EventTaskTransferAttemptFailed:
			f = cb.OnTransferAttemptFailed
		case EventTaskTransferCompleted:
			f = cb.OnTransferCompleted
		case EventTaskTransferFailed:
			f = cb.OnTransferFailed
		case EventTaskTransferCanceled:
			f = cb.OnTransferCanceled
		}
		if f != nil {
			f(t, transfer)
		}
	}
	transfer.notify(kind)
}
