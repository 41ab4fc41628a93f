package meshbus

import "time"

// EventType enumerates internal lifecycle events surfaced to Observers.
type EventType string

const (
	EventProduceStart EventType = "produce_start"
	EventProduceDone  EventType = "produce_done"
	EventConsumeStart EventType = "consume_start"
	EventConsumeDone  EventType = "consume_done"
	EventAck          EventType = "ack"
	EventNack         EventType = "nack"
	EventError        EventType = "error"
	EventRequestTimeout EventType = "request_timeout"
	EventRequestCancelled EventType = "request_cancelled"
)

// Event carries telemetry for Observers.
type Event struct {
	Type          EventType
	Path          string
	Group         string
	MessageID     string
	MessageName   string
	CorrelationID string
	Duration      time.Duration
	Err           error

	observers []Observer // attached for async dispatch; not set by callers
}

// Metrics is observable telemetry for a Bus.
type Metrics struct {
	Produced            uint64
	Consumed            uint64
	Acked               uint64
	Nacked              uint64
	Errors              uint64
	EventsDropped       uint64
	PendingRequests     uint64
	AvgProcessingTimeMs float64
}

// HealthStatus indicates bus health for liveness/readiness probes.
type HealthStatus struct {
	Status    string // "healthy", "degraded", "unhealthy"
	Metrics   Metrics
	Timestamp time.Time
	Message   string
}
