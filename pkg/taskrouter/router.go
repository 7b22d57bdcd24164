package taskrouter

import (
	"encoding/json"
)

// HandleEvent applies one event bridge event to the worker's state and runs
// the matching callbacks. Events for entities that are no longer held are
// logged and skipped. Events missing their identifying fields are rejected
// with an *EventError.
func (w *Worker) HandleEvent(eventType string, payload json.RawMessage) error {
	kind := ParseEventKind(eventType)
	if kind == EventUnknown {
		w.metrics.unknownEvents.Inc()
		return w.protocol.HandleUnknownEvent(eventType, payload)
	}

	if err := w.protocol.ValidateEvent(kind, payload); err != nil {
		return w.eventFailed(kind, err)
	}

	var err error
	switch kind {
	case EventWorkerActivityUpdate:
		err = w.handleActivityUpdate(kind, payload)
	case EventWorkerAttributesUpdate:
		err = w.handleAttributesUpdate(kind, payload)
	case EventWorkerCapacityUpdate, EventWorkerChannelAvailabilityUpdate:
		err = w.handleChannelUpdate(kind, payload)
	case EventReservationCreated:
		err = w.handleReservationCreated(kind, payload)
	case EventReservationFailed:
		err = w.handleReservationFailed(kind, payload)
	case EventReservationAccepted, EventReservationWrapup, EventReservationCompleted,
		EventReservationRejected, EventReservationTimeout, EventReservationCanceled,
		EventReservationRescinded:
		err = w.handleReservationUpdate(kind, payload)
	case EventTaskUpdated, EventTaskCanceled, EventTaskCompleted, EventTaskWrapup:
		err = w.handleTaskEvent(kind, payload)
	case EventTaskTransferInitiated, EventTaskTransferAttemptFailed, EventTaskTransferCompleted,
		EventTaskTransferFailed, EventTaskTransferCanceled:
		err = w.handleTransferEvent(kind, payload)
	}
	if err != nil {
		return w.eventFailed(kind, err)
	}
	return nil
}

func (w *Worker) eventFailed(kind EventKind, err error) error {
	w.metrics.eventErrors.WithLabelValues(kind.String()).Inc()
	w.logger.Error("rejected event", "event", kind.String(), "error", err)
	w.notifyError(err)
	return err
}

// skip records an event whose target could not be resolved.
func (w *Worker) skip(kind EventKind, msg string, fields ...interface{}) error {
	w.metrics.lookupMisses.WithLabelValues(kind.String()).Inc()
	w.logger.Warn(msg, append([]interface{}{"event", kind.String()}, fields...)...)
	return nil
}

func (w *Worker) dispatched(kind EventKind) {
	w.metrics.eventsDispatched.WithLabelValues(kind.String()).Inc()
}

func (w *Worker) handleActivityUpdate(kind EventKind, payload json.RawMessage) error {
	var p workerPayload
	if err := decodePayload(kind.String(), payload, &p); err != nil {
		return err
	}

	w.mu.Lock()
	if p.Sid != "" && p.Sid != w.sid {
		w.mu.Unlock()
		return w.skip(kind, "activity update for another worker", "sid", p.Sid)
	}
	if _, ok := w.activities.get(*p.ActivitySid); !ok {
		w.mu.Unlock()
		return w.skip(kind, "activity update for unknown activity", "activitySid", *p.ActivitySid)
	}
	w.applyWorkerLocked(&p)
	activity := w.activities.current
	w.mu.Unlock()

	w.dispatched(kind)
	for _, cb := range w.observers.snapshot() {
		if cb.OnActivityUpdated != nil {
			cb.OnActivityUpdated(activity)
		}
	}
	return nil
}

func (w *Worker) handleAttributesUpdate(kind EventKind, payload json.RawMessage) error {
	var p workerPayload
	if err := decodePayload(kind.String(), payload, &p); err != nil {
		return err
	}

	w.mu.Lock()
	if p.Sid != w.sid {
		w.mu.Unlock()
		return w.skip(kind, "attributes update for another worker", "sid", p.Sid)
	}
	w.applyWorkerLocked(&p)
	attrs := w.attributes.clone()
	w.mu.Unlock()

	w.dispatched(kind)
	for _, cb := range w.observers.snapshot() {
		if cb.OnAttributesUpdated != nil {
			cb.OnAttributesUpdated(attrs)
		}
	}
	return nil
}

func (w *Worker) handleChannelUpdate(kind EventKind, payload json.RawMessage) error {
	var p channelPayload
	if err := decodePayload(kind.String(), payload, &p); err != nil {
		return err
	}

	w.mu.Lock()
	c, ok := w.channels.get(p.Sid)
	if !ok {
		w.mu.Unlock()
		return w.skip(kind, "update for unknown channel", "sid", p.Sid)
	}
	c.applyLocked(&p)
	w.mu.Unlock()

	w.dispatched(kind)
	for _, cb := range w.observers.snapshot() {
		f := cb.OnChannelCapacityUpdated
		if kind == EventWorkerChannelAvailabilityUpdate {
			f = cb.OnChannelAvailabilityUpdated
		}
		if f != nil {
			f(c)
		}
	}
	return nil
}

func (w *Worker) handleReservationCreated(kind EventKind, payload json.RawMessage) error {
	var p reservationPayload
	if err := decodePayload(kind.String(), payload, &p); err != nil {
		return err
	}

	w.mu.Lock()
	r, ok := w.reservations.get(p.Sid)
	if ok {
		r.applyLocked(&p, 0)
	} else {
		r = newReservation(w, &p)
	}
	w.reservations.insert(r)
	w.version++
	w.metrics.reservations.Set(float64(w.reservations.visibleCount()))
	w.mu.Unlock()

	w.logger.Debug("reservation created", "sid", r.sid, "taskSid", r.TaskSid())
	w.dispatched(kind)
	for _, cb := range w.observers.snapshot() {
		if cb.OnReservationCreated != nil {
			cb.OnReservationCreated(r)
		}
	}
	return nil
}

// handleReservationFailed surfaces a reservation the backend could not
// complete. It is never inserted into the store.
func (w *Worker) handleReservationFailed(kind EventKind, payload json.RawMessage) error {
	var p reservationPayload
	if err := decodePayload(kind.String(), payload, &p); err != nil {
		return err
	}

	w.mu.Lock()
	r := newReservation(w, &p)
	w.mu.Unlock()

	w.dispatched(kind)
	for _, cb := range w.observers.snapshot() {
		if cb.OnReservationFailed != nil {
			cb.OnReservationFailed(r)
		}
	}
	return nil
}

func (w *Worker) handleReservationUpdate(kind EventKind, payload json.RawMessage) error {
	var p reservationPayload
	if err := decodePayload(kind.String(), payload, &p); err != nil {
		return err
	}

	var ignore ignoreFields
	if kind != EventReservationCanceled {
		ignore |= ignoreCanceledReasonCode
	}

	w.mu.Lock()
	r, ok := w.reservations.get(p.Sid)
	if !ok {
		w.mu.Unlock()
		return w.skip(kind, "event for unknown reservation", "sid", p.Sid)
	}
	r.applyLocked(&p, ignore)
	w.reservations.index(r.taskSid, r.sid)
	if kind.terminalReservation() {
		w.reservations.softDelete(p.Sid, w.purgeReservation)
		w.metrics.reservations.Set(float64(w.reservations.visibleCount()))
	}
	w.mu.Unlock()

	w.dispatched(kind)
	r.notify(kind)
	return nil
}

// purgeReservation runs when a soft-delete grace window ends.
func (w *Worker) purgeReservation(sid string, e *reservationEntry) {
	w.mu.Lock()
	purged := w.reservations.purge(sid, e)
	w.mu.Unlock()
	if purged {
		w.metrics.purges.Inc()
		w.logger.Debug("reservation purged", "sid", sid)
	}
}

// handleTaskEvent fans the event out to every reservation holding the task.
func (w *Worker) handleTaskEvent(kind EventKind, payload json.RawMessage) error {
	var p taskPayload
	if err := decodePayload(kind.String(), payload, &p); err != nil {
		return err
	}

	w.mu.Lock()
	reservations := w.reservations.forTask(p.Sid)
	if len(reservations) == 0 {
		w.mu.Unlock()
		return w.skip(kind, "event for unknown task", "sid", p.Sid)
	}
	tasks := make([]*Task, 0, len(reservations))
	for _, r := range reservations {
		if r.task == nil {
			r.task = newTask(w, r.sid, &p)
		} else {
			r.task.applyLocked(&p)
		}
		tasks = append(tasks, r.task)
	}
	w.mu.Unlock()

	w.dispatched(kind)
	for _, t := range tasks {
		t.notify(kind)
	}
	return nil
}

// handleTransferEvent routes a transfer event to the task of the initiating
// reservation.
func (w *Worker) handleTransferEvent(kind EventKind, payload json.RawMessage) error {
	var p transferPayload
	if err := decodePayload(kind.String(), payload, &p); err != nil {
		return err
	}
	reservationSid := *p.InitiatingReservationSid
	taskSid := *p.TaskSid

	w.mu.Lock()
	r, ok := w.reservations.get(reservationSid)
	if !ok {
		w.mu.Unlock()
		return w.skip(kind, "transfer event for unknown reservation", "initiatingReservationSid", reservationSid)
	}
	t := r.task
	if t == nil || t.sid != taskSid {
		w.mu.Unlock()
		return w.skip(kind, "transfer event task does not match reservation",
			"initiatingReservationSid", reservationSid, "taskSid", taskSid)
	}

	var outgoing *OutgoingTransfer
	if kind == EventTaskTransferInitiated {
		if p.Sid == "" {
			w.mu.Unlock()
			return &EventError{Event: kind.String(), Field: "sid", Err: ErrMissingField}
		}
		outgoing = t.transfers.setOutgoingLocked(w, &p)
	} else {
		outgoing = t.transfers.Outgoing
		if outgoing == nil || outgoing.sid != p.Sid {
			w.mu.Unlock()
			return w.skip(kind, "transfer event for unknown transfer", "sid", p.Sid, "taskSid", taskSid)
		}
		// An attempt failure leaves the overall transfer in progress.
		outgoing.applyLocked(&p, kind == EventTaskTransferAttemptFailed)
	}
	w.mu.Unlock()

	w.dispatched(kind)
	t.notifyTransfer(kind, outgoing)
	return nil
}
