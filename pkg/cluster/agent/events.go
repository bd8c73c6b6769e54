package agent

import (
	"time"

	"github.com/vango-go/vai-cluster/pkg/cluster/audio"
)

type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

type EventKind string

const (
	EventOpen             EventKind = "open"
	EventAudio            EventKind = "audio"
	EventOutputTranscript EventKind = "output_transcript"
	EventInputTranscript  EventKind = "input_transcript"
	EventTurnComplete     EventKind = "turn_complete"
	EventInterrupted      EventKind = "interrupted"
	EventToolCall         EventKind = "tool_call"
	EventToolCancel       EventKind = "tool_cancel"
	EventGoAway           EventKind = "go_away"
	EventClosed           EventKind = "closed"
)

// ToolCall is one function invocation requested by the model.
type ToolCall struct {
	ID   string
	Name string
	Args map[string]any
}

// Event is everything a session reports to its owner. All sessions of a
// cluster share one event channel; AgentID tells them apart.
type Event struct {
	Kind      EventKind
	AgentID   string
	SessionID string

	// Audio: where the chunk landed on the agent's playback timeline.
	Scheduled audio.Scheduled

	// Transcripts: the newest delta only.
	Text string

	Calls        []ToolCall
	CancelledIDs []string

	// GoAway: how long the service will keep the connection.
	TimeLeft time.Duration

	// Closed: nil for a local Close, otherwise why the connection ended.
	Err error
}
