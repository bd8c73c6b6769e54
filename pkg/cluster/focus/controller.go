// Package focus decides which single agent the listener hears.
//
// Signals arrive as proposals and are resolved once per batch, so two rules
// firing in the same tick resolve deterministically:
//
//	manual override > user mention > peer mention > speech start
//
// Within one priority the latest proposal wins. Name detection is a
// case-insensitive substring heuristic over display names, so "Oracle's"
// and "ORACLE," both mention Oracle; it is not a parser.
package focus

import (
	"errors"
	"fmt"
	"strings"
)

var ErrNotLive = errors.New("agent is not live")

type Reason string

const (
	ReasonSpeech      Reason = "speech"
	ReasonPeerMention Reason = "peer_mention"
	ReasonUserMention Reason = "user_mention"
	ReasonManual      Reason = "manual"
	ReasonFallback    Reason = "fallback"
)

func (r Reason) priority() int {
	switch r {
	case ReasonSpeech:
		return 1
	case ReasonPeerMention:
		return 2
	case ReasonUserMention:
		return 3
	case ReasonManual:
		return 4
	default:
		return 0
	}
}

// Change describes one focus transition. Source is the agent whose signal
// caused it, when there is one.
type Change struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Reason Reason `json:"reason"`
	Source string `json:"source,omitempty"`
}

// Apply makes a focus decision audible. The controller only commits a change
// after Apply succeeds, so declared and audible focus never diverge.
type Apply func(agentID string) error

type member struct {
	id    string
	lower string
}

// Controller is owned by the cluster event loop and is not safe for
// concurrent use.
type Controller struct {
	apply   Apply
	focused string
	members []member
	pending *Change
}

func New(apply Apply) *Controller {
	if apply == nil {
		apply = func(string) error { return nil }
	}
	return &Controller{apply: apply}
}

func (c *Controller) Focused() string { return c.focused }

// Join registers a live agent for name detection.
func (c *Controller) Join(agentID, displayName string) {
	for i := range c.members {
		if c.members[i].id == agentID {
			c.members[i].lower = strings.ToLower(strings.TrimSpace(displayName))
			return
		}
	}
	c.members = append(c.members, member{id: agentID, lower: strings.ToLower(strings.TrimSpace(displayName))})
}

func (c *Controller) IsLive(agentID string) bool {
	for _, m := range c.members {
		if m.id == agentID {
			return true
		}
	}
	return false
}

// Leave unregisters agentID. If it held focus, focus moves to fallback (when
// live) or to nobody.
func (c *Controller) Leave(agentID, fallback string) (Change, bool, error) {
	kept := c.members[:0]
	for _, m := range c.members {
		if m.id != agentID {
			kept = append(kept, m)
		}
	}
	c.members = kept
	if c.pending != nil && c.pending.To == agentID {
		c.pending = nil
	}
	if c.focused != agentID {
		return Change{}, false, nil
	}
	next := ""
	if fallback != agentID && c.IsLive(fallback) {
		next = fallback
	}
	return c.commit(Change{From: agentID, To: next, Reason: ReasonFallback})
}

// OnSpeech proposes focus for an agent that started emitting audio or text.
func (c *Controller) OnSpeech(agentID string) {
	if agentID == c.focused || !c.IsLive(agentID) {
		return
	}
	c.propose(Change{To: agentID, Reason: ReasonSpeech, Source: agentID})
}

// OnAgentTranscript checks the newest delta of an agent's output transcript
// for another live agent's name.
func (c *Controller) OnAgentTranscript(agentID, accumulated, delta string) {
	if target, ok := c.mentioned(accumulated, delta, agentID); ok {
		c.propose(Change{To: target, Reason: ReasonPeerMention, Source: agentID})
	}
}

// OnUserTranscript checks the newest delta of the user's transcript, as
// heard by agentID's session, for any live agent's name.
func (c *Controller) OnUserTranscript(agentID, accumulated, delta string) {
	if target, ok := c.mentioned(accumulated, delta, ""); ok {
		c.propose(Change{To: target, Reason: ReasonUserMention, Source: agentID})
	}
}

// Override applies a UI focus request immediately, discarding anything
// pending in the current batch.
func (c *Controller) Override(agentID string) (Change, bool, error) {
	if agentID != "" && !c.IsLive(agentID) {
		return Change{}, false, fmt.Errorf("%w: %s", ErrNotLive, agentID)
	}
	c.pending = nil
	return c.commit(Change{From: c.focused, To: agentID, Reason: ReasonManual})
}

// Resolve commits the winning proposal of the current batch, if any.
func (c *Controller) Resolve() (Change, bool, error) {
	p := c.pending
	c.pending = nil
	if p == nil || !c.IsLive(p.To) {
		return Change{}, false, nil
	}
	p.From = c.focused
	return c.commit(*p)
}

func (c *Controller) propose(ch Change) {
	if c.pending == nil || ch.Reason.priority() >= c.pending.Reason.priority() {
		c.pending = &ch
	}
}

func (c *Controller) commit(ch Change) (Change, bool, error) {
	if ch.To == c.focused {
		return Change{}, false, nil
	}
	if err := c.apply(ch.To); err != nil {
		return Change{}, false, fmt.Errorf("apply focus %q: %w", ch.To, err)
	}
	ch.From = c.focused
	c.focused = ch.To
	return ch, true, nil
}

// mentioned returns the live agent whose name occurrence ends latest inside
// the newly appended delta. exclude is skipped (a speaker naming itself).
func (c *Controller) mentioned(accumulated, delta, exclude string) (string, bool) {
	if strings.TrimSpace(delta) == "" || !strings.HasSuffix(accumulated, delta) {
		return "", false
	}
	prior := strings.ToLower(accumulated[:len(accumulated)-len(delta)])
	text := prior + strings.ToLower(delta)
	boundary := len(prior)

	best, bestEnd := "", -1
	for _, m := range c.members {
		if m.id == exclude || m.lower == "" {
			continue
		}
		idx := strings.LastIndex(text, m.lower)
		if idx < 0 {
			continue
		}
		end := idx + len(m.lower)
		if end <= boundary {
			continue
		}
		if end > bestEnd {
			best, bestEnd = m.id, end
		}
	}
	return best, bestEnd >= 0
}
