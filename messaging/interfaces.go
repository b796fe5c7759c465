package messaging

import (
	"time"
)

// MetricsCollector receives bus measurements.
type MetricsCollector interface {
	// RecordSend records one send attempt to queue.
	RecordSend(queue, typeTag string, duration time.Duration, err error)

	// RecordDispatch records one envelope processed by a dispatch loop.
	RecordDispatch(queue, typeTag string, state DispatchState, duration time.Duration)

	// RecordFault records one fault event.
	RecordFault(queue, typeTag string, reason FaultReason)

	// SetPending reports the number of outstanding requests.
	SetPending(n int)
}

// NoOpMetricsCollector is a no-op implementation of MetricsCollector
type NoOpMetricsCollector struct{}

func (NoOpMetricsCollector) RecordSend(queue, typeTag string, duration time.Duration, err error) {}

func (NoOpMetricsCollector) RecordDispatch(queue, typeTag string, state DispatchState, duration time.Duration) {
}

func (NoOpMetricsCollector) RecordFault(queue, typeTag string, reason FaultReason) {}

func (NoOpMetricsCollector) SetPending(n int) {}
