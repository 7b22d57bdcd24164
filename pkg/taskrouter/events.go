package taskrouter

// EventKind enumerates the event bridge events the worker understands.
type EventKind int

const (
	EventUnknown EventKind = iota
	EventWorkerActivityUpdate
	EventWorkerAttributesUpdate
	EventWorkerCapacityUpdate
	EventWorkerChannelAvailabilityUpdate
	EventReservationCreated
	EventReservationFailed
	EventReservationAccepted
	EventReservationWrapup
	EventReservationCompleted
	EventReservationRejected
	EventReservationTimeout
	EventReservationCanceled
	EventReservationRescinded
	EventTaskUpdated
	EventTaskCanceled
	EventTaskCompleted
	EventTaskWrapup
	EventTaskTransferAttemptFailed
	EventTaskTransferCompleted
	EventTaskTransferFailed
	EventTaskTransferInitiated
	EventTaskTransferCanceled
)

var eventNames = map[EventKind]string{
	EventWorkerActivityUpdate:            "worker.activity.update",
	EventWorkerAttributesUpdate:          "worker.attributes.update",
	EventWorkerCapacityUpdate:            "worker.capacity.update",
	EventWorkerChannelAvailabilityUpdate: "worker.channel.availability.update",
	EventReservationCreated:              "reservation.created",
	EventReservationFailed:               "reservation.failed",
	EventReservationAccepted:             "reservation.accepted",
	EventReservationWrapup:               "reservation.wrapup",
	EventReservationCompleted:            "reservation.completed",
	EventReservationRejected:             "reservation.rejected",
	EventReservationTimeout:              "reservation.timeout",
	EventReservationCanceled:             "reservation.canceled",
	EventReservationRescinded:            "reservation.rescinded",
	EventTaskUpdated:                     "task.updated",
	EventTaskCanceled:                    "task.canceled",
	EventTaskCompleted:                   "task.completed",
	EventTaskWrapup:                      "task.wrapup",
	EventTaskTransferAttemptFailed:       "task.transfer-attempt-failed",
	EventTaskTransferCompleted:           "task.transfer-completed",
	EventTaskTransferFailed:              "task.transfer-failed",
	EventTaskTransferInitiated:           "task.transfer-initiated",
	EventTaskTransferCanceled:            "task.transfer-canceled",
}

var eventKinds = func() map[string]EventKind {
	m := make(map[string]EventKind, len(eventNames))
	for k, name := range eventNames {
		m[name] = k
	}
	return m
}()

// ParseEventKind maps a wire event name to its kind, or EventUnknown.
func ParseEventKind(name string) EventKind {
	if k, ok := eventKinds[name]; ok {
		return k
	}
	return EventUnknown
}

// String returns the wire name of the event.
func (k EventKind) String() string {
	if name, ok := eventNames[k]; ok {
		return name
	}
	return "unknown"
}

// EventKinds returns every known kind in declaration order.
func EventKinds() []EventKind {
	kinds := make([]EventKind, 0, len(eventNames))
	for k := EventWorkerActivityUpdate; k <= EventTaskTransferCanceled; k++ {
		kinds = append(kinds, k)
	}
	return kinds
}

// terminalReservation reports whether the event ends a reservation.
func (k EventKind) terminalReservation() bool {
	switch k {
	case EventReservationCompleted, EventReservationRejected, EventReservationTimeout,
		EventReservationCanceled, EventReservationRescinded:
		return true
	default:
		return false
	}
}

// requiredFields lists the identifying payload fields for the event.
func (k EventKind) requiredFields() []string {
	switch k {
	case EventWorkerActivityUpdate:
		return []string{"activity_sid"}
	case EventTaskTransferAttemptFailed, EventTaskTransferCompleted, EventTaskTransferFailed,
		EventTaskTransferInitiated, EventTaskTransferCanceled:
		return []string{"initiating_reservation_sid", "task_sid"}
	case EventUnknown:
		return nil
	default:
		return []string{"sid"}
	}
}
