package workflow

import "time"

// EventType names a state change of the run.
type EventType string

// Event types.
const (
	EventStarted         EventType = "started"
	EventStageProcessing EventType = "stage_processing"
	EventStageCompleted  EventType = "stage_completed"
	EventStageAwaiting   EventType = "stage_awaiting"
	EventStageFailed     EventType = "stage_failed"
	EventRunCompleted    EventType = "run_completed"
	EventReset           EventType = "reset"
)

// Event is delivered to subscribers after every state change. Snapshot is a
// deep copy taken when the change happened.
type Event struct {
	Type       EventType `json:"type"`
	RunID      string    `json:"run_id,omitempty"`
	Generation uint64    `json:"generation"`
	Stage      int       `json:"stage"`
	Error      string    `json:"error,omitempty"`
	Time       time.Time `json:"time"`
	Snapshot   Run       `json:"snapshot"`
}

// Topic returns the NATS topic for the event, relative to the subject prefix.
func (e Event) Topic() string {
	return "workflow." + string(e.Type)
}
