// Package transcript coalesces streamed transcription deltas into sealed,
// per-speaker turns.
package transcript

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

type Role string

const (
	RoleUser  Role = "user"
	RoleAgent Role = "agent"
)

// Key identifies one independent delta stream: a role as heard by one
// agent session. User speech is transcribed separately by every session, so
// user turns are keyed by the transcribing agent too.
type Key struct {
	Role    Role
	AgentID string
}

// Turn is one sealed utterance.
type Turn struct {
	ID        string    `json:"id"`
	Seq       uint64    `json:"seq"`
	Role      Role      `json:"role"`
	AgentID   string    `json:"agent_id,omitempty"`
	Text      string    `json:"text"`
	StartedAt time.Time `json:"started_at"`
	SealedAt  time.Time `json:"sealed_at"`
}

type openTurn struct {
	b         strings.Builder
	startedAt time.Time
}

type Config struct {
	Now   func() time.Time
	NewID func() string
	// MaxHistory bounds History; zero keeps every sealed turn.
	MaxHistory int
}

// Aggregator is owned by a single goroutine and is not safe for concurrent
// use.
type Aggregator struct {
	now        func() time.Time
	newID      func() string
	maxHistory int

	open    map[Key]*openTurn
	seq     uint64
	history []Turn
}

func New(cfg Config) *Aggregator {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}
	return &Aggregator{
		now:        cfg.Now,
		newID:      cfg.NewID,
		maxHistory: cfg.MaxHistory,
		open:       make(map[Key]*openTurn),
	}
}

// Append adds delta to the open turn for (role, agentID), opening one if
// needed, and returns the accumulated text.
func (a *Aggregator) Append(role Role, agentID, delta string) string {
	k := Key{Role: role, AgentID: agentID}
	t := a.open[k]
	if t == nil {
		t = &openTurn{startedAt: a.now()}
		a.open[k] = t
	}
	t.b.WriteString(delta)
	return t.b.String()
}

// Open returns the accumulated text of the open turn, if any.
func (a *Aggregator) Open(role Role, agentID string) (string, bool) {
	t := a.open[Key{Role: role, AgentID: agentID}]
	if t == nil {
		return "", false
	}
	return t.b.String(), true
}

// Seal closes the open turn for (role, agentID). Whitespace-only turns are
// discarded and reported as not sealed.
func (a *Aggregator) Seal(role Role, agentID string) (Turn, bool) {
	k := Key{Role: role, AgentID: agentID}
	t := a.open[k]
	if t == nil {
		return Turn{}, false
	}
	delete(a.open, k)
	text := t.b.String()
	if strings.TrimSpace(text) == "" {
		return Turn{}, false
	}
	a.seq++
	turn := Turn{
		ID:        a.newID(),
		Seq:       a.seq,
		Role:      role,
		AgentID:   agentID,
		Text:      text,
		StartedAt: t.startedAt,
		SealedAt:  a.now(),
	}
	a.history = append(a.history, turn)
	if a.maxHistory > 0 && len(a.history) > a.maxHistory {
		a.history = append(a.history[:0], a.history[len(a.history)-a.maxHistory:]...)
	}
	return turn, true
}

// SealAll seals both roles for one session's turn-complete, user first.
func (a *Aggregator) SealAll(agentID string) []Turn {
	var out []Turn
	for _, role := range []Role{RoleUser, RoleAgent} {
		if turn, ok := a.Seal(role, agentID); ok {
			out = append(out, turn)
		}
	}
	return out
}

// Drop discards any open turns for agentID without sealing them.
func (a *Aggregator) Drop(agentID string) int {
	n := 0
	for _, role := range []Role{RoleUser, RoleAgent} {
		k := Key{Role: role, AgentID: agentID}
		if _, ok := a.open[k]; ok {
			delete(a.open, k)
			n++
		}
	}
	return n
}

// Reset drops every open turn and the sealed history.
func (a *Aggregator) Reset() {
	a.open = make(map[Key]*openTurn)
	a.history = nil
}

func (a *Aggregator) History() []Turn {
	out := make([]Turn, len(a.history))
	copy(out, a.history)
	return out
}
