package pipeline

// EventKind identifies a progress event.
type EventKind string

const (
	EventRunStart     EventKind = "run_start"
	EventRunFinish    EventKind = "run_finish"
	EventStageStart   EventKind = "stage_start"
	EventStageFinish  EventKind = "stage_finish"
	EventStageSkipped EventKind = "stage_skipped"
	EventIteration    EventKind = "iteration"
	EventEscalated    EventKind = "escalated"
	EventExhausted    EventKind = "exhausted"
)

// Event is a progress notification delivered to Pipeline.OnEvent.
type Event struct {
	Kind  EventKind
	RunID string
	// Element is the loop name, or the stage name for a plain stage.
	Element   string
	Stage     string
	Iteration int
	Message   string
}
