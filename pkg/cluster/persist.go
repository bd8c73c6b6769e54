package cluster

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/vango-go/vai-cluster/pkg/cluster/transcript"
)

const localSessionPrefix = "local-"

func isLocalSession(id string) bool { return strings.HasPrefix(id, localSessionPrefix) }

type persistJob struct {
	sessionID string
	turn      transcript.Turn
}

// persister writes sealed turns in seal order on one worker goroutine. Turns
// sealed before the session id resolves wait in pending. It is driven from
// the event loop; only run touches the store.
type persister struct {
	store   Store
	logger  zerolog.Logger
	timeout time.Duration

	jobs      chan persistJob
	sessionID string
	pending   []transcript.Turn
	closed    bool
}

func newPersister(store Store, logger zerolog.Logger, timeout time.Duration, queue int) *persister {
	p := &persister{
		store:   store,
		logger:  logger,
		timeout: timeout,
		jobs:    make(chan persistJob, queue),
	}
	go p.run()
	return p
}

func (p *persister) run() {
	for job := range p.jobs {
		ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
		err := p.store.AppendTurn(ctx, job.sessionID, string(job.turn.Role), job.turn.Text, job.turn.AgentID)
		cancel()
		if err != nil {
			p.logger.Warn().Err(err).
				Str("session_id", job.sessionID).
				Str("turn_id", job.turn.ID).
				Msg("turn not persisted")
		}
	}
}

// resolve fixes the session id and flushes anything sealed before it.
func (p *persister) resolve(sessionID string) {
	p.sessionID = sessionID
	pending := p.pending
	p.pending = nil
	for _, t := range pending {
		p.add(t)
	}
}

func (p *persister) add(turn transcript.Turn) {
	if p.closed {
		return
	}
	turn.Text = strings.TrimSpace(turn.Text)
	if turn.Text == "" {
		return
	}
	if p.sessionID == "" {
		p.pending = append(p.pending, turn)
		return
	}
	if isLocalSession(p.sessionID) {
		return
	}
	select {
	case p.jobs <- persistJob{sessionID: p.sessionID, turn: turn}:
	default:
		p.logger.Warn().Str("turn_id", turn.ID).Int("queue_size", cap(p.jobs)).Msg("persistence queue full, turn not persisted")
	}
}

// close stops accepting turns; queued writes still finish in the background.
func (p *persister) close() {
	if p.closed {
		return
	}
	p.closed = true
	p.pending = nil
	close(p.jobs)
}
