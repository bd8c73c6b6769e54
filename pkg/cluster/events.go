package cluster

import (
	"time"

	"github.com/vango-go/vai-cluster/pkg/cluster/catalog"
	"github.com/vango-go/vai-cluster/pkg/cluster/focus"
	"github.com/vango-go/vai-cluster/pkg/cluster/transcript"
)

type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateConnected  State = "connected"
)

type EventType string

const (
	EventState           EventType = "state"
	EventFocus           EventType = "focus"
	EventAgentJoined     EventType = "agent_joined"
	EventAgentLeft       EventType = "agent_left"
	EventSpeaking        EventType = "speaking"
	EventTranscriptDelta EventType = "transcript_delta"
	EventTurn            EventType = "turn"
	EventSignal          EventType = "signal"
	EventError           EventType = "error"
)

// Signal is a transient UI marker raised by an agent.
type Signal struct {
	ID      string `json:"id"`
	AgentID string `json:"agent_id"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Event is what the orchestrator reports to its UI shell.
type Event struct {
	Type      EventType        `json:"type"`
	ClusterID string           `json:"cluster_id,omitempty"`
	State     State            `json:"state,omitempty"`
	SessionID string           `json:"session_id,omitempty"`
	AgentID   string           `json:"agent_id,omitempty"`
	Agent     *catalog.Agent   `json:"agent,omitempty"`
	Focus     *focus.Change    `json:"focus,omitempty"`
	Speaking  *bool            `json:"speaking,omitempty"`
	Role      transcript.Role  `json:"role,omitempty"`
	Text      string           `json:"text,omitempty"`
	Turn      *transcript.Turn `json:"turn,omitempty"`
	Signal    *Signal          `json:"signal,omitempty"`
	Reason    string           `json:"reason,omitempty"`
	Error     string           `json:"error,omitempty"`
	At        time.Time        `json:"at"`
}

// Snapshot is a consistent view of the cluster taken on the event loop.
type Snapshot struct {
	State         State    `json:"state"`
	ClusterID     string   `json:"cluster_id,omitempty"`
	SessionID     string   `json:"session_id,omitempty"`
	Host          string   `json:"host,omitempty"`
	Collaborators []string `json:"collaborators"`
	Connecting    []string `json:"connecting"`
	Focused       string   `json:"focused,omitempty"`
	Speaking      []string `json:"speaking"`
}
