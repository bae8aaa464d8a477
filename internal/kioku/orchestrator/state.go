package orchestrator

import (
	"errors"
	"time"
)

// ErrGenerationFailed is returned when the generator failed or timed out.
// Nothing was committed for the input, so the same input can be retried.
var ErrGenerationFailed = errors.New("orchestrator: generation failed")

// ErrInstanceNotFound is returned for an event addressed to a session with
// no live instance (never opened, evicted or closed). Ingresses re-open and
// resubmit.
var ErrInstanceNotFound = errors.New("orchestrator: instance not found")

// ErrEmptyInput is returned for an event whose text is blank.
var ErrEmptyInput = errors.New("orchestrator: empty input")

// ErrShutdown is returned once the manager is shutting down.
var ErrShutdown = errors.New("orchestrator: shutting down")

// State is the position of an instance in its control loop.
type State int32

const (
	StateAwaitingInput State = iota
	StateProcessing
	StateConsolidationCheck
	// StateRestarted is held briefly between a successful consolidation and
	// the next AwaitingInput of the new generation.
	StateRestarted
	// StateEvicted is terminal.
	StateEvicted
)

func (s State) String() string {
	switch s {
	case StateAwaitingInput:
		return "awaiting_input"
	case StateProcessing:
		return "processing"
	case StateConsolidationCheck:
		return "consolidation_check"
	case StateRestarted:
		return "restarted"
	case StateEvicted:
		return "evicted"
	default:
		return "unknown"
	}
}

// Event is an external input addressed to a conversation by session key.
type Event struct {
	SessionKey string
	Text       string
	ReceivedAt time.Time
	// TraceID correlates the event across ingress, orchestrator and store
	// logs. Generated when empty.
	TraceID string
}

// Reply is what an instance emits for one processed Event.
type Reply struct {
	SessionKey string
	InstanceID string
	// Generation is the generation the input was processed in. When
	// Consolidated is true the instance has since moved to Generation+1.
	Generation uint64
	Text       string
	// Source is metrics.SourceMemory for a cache hit and
	// metrics.SourceGenerator for a fresh completion.
	Source    string
	Sentiment string
	// Degraded is set when the memory store failed during the step and the
	// reply was produced without it.
	Degraded     bool
	Consolidated bool
	TraceID      string
}

// InstanceInfo is a point-in-time view of an instance.
type InstanceInfo struct {
	SessionKey string    `json:"session_key"`
	InstanceID string    `json:"instance_id"`
	Generation uint64    `json:"generation"`
	BufferLen  int       `json:"buffer_len"`
	StartedAt  time.Time `json:"started_at"`
	LastActive time.Time `json:"last_active"`
	State      string    `json:"state"`
}
