// Package cluster runs a live multi-agent voice conversation: one realtime
// session per agent, a shared audio graph, focus, transcripts and the tool
// calls agents use to change who is in the room.
//
// All cluster state is owned by the goroutine running Orchestrator.Run.
// Public methods post commands to it; sessions, the audio graph and
// background work report back over channels.
package cluster

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/vango-go/vai-cluster/pkg/cluster/agent"
	"github.com/vango-go/vai-cluster/pkg/cluster/audio"
	"github.com/vango-go/vai-cluster/pkg/cluster/catalog"
	"github.com/vango-go/vai-cluster/pkg/cluster/focus"
	"github.com/vango-go/vai-cluster/pkg/cluster/transcript"
	"github.com/vango-go/vai-cluster/pkg/knowledge"
)

var (
	ErrNotIdle      = errors.New("cluster already running")
	ErrNotConnected = errors.New("cluster not connected")
	ErrUnknownAgent = errors.New("unknown agent")
	ErrHostRemoval  = errors.New("the host agent cannot be removed")
	ErrTerminated   = errors.New("cluster terminated")
	ErrStopped      = errors.New("orchestrator stopped")
)

// Graph is the audio graph a cluster plays through. *audio.Graph satisfies it.
type Graph interface {
	Initialize(ctx context.Context) error
	CreateAgentNodes(agentID string, sink audio.FrameSink) error
	SetFocus(agentID string) error
	TeardownAgentNodes(agentID string) error
	FadeOut(agentID string, d time.Duration) error
	Schedule(agentID string, samples []int16) (audio.Scheduled, error)
	Interrupt(agentID string) int
	Level(kind audio.LevelKind) float64
	Shutdown() error
}

// Store persists transcripts. Both calls are best-effort.
type Store interface {
	CreateSession(ctx context.Context, hostAgentID, userIdentity string) (string, error)
	AppendTurn(ctx context.Context, sessionID, role, text, agentID string) error
}

type Searcher interface {
	Search(ctx context.Context, query string, limit int) ([]knowledge.Result, error)
}

type Config struct {
	LiveModel        string
	UserIdentity     string
	RemoveFade       time.Duration
	SearchLimit      int
	SearchTimeout    time.Duration
	PersistTimeout   time.Duration
	ConnectTimeout   time.Duration
	RelayTranscripts bool
	SessionQueueSize int
	EventBuffer      int
	MaxHistory       int
}

type Dependencies struct {
	Catalog *catalog.Catalog
	// NewGraph builds the audio graph for one cluster lifetime. onIdle must be
	// called when an agent's scheduled audio runs out.
	NewGraph  func(onIdle func(agentID string)) Graph
	Connector agent.Connector
	Store     Store
	Searcher  Searcher
	Logger    zerolog.Logger
	Config    Config
	Now       func() time.Time
}

type pendingAck struct {
	from string
	call agent.ToolCall
}

// liveAgent is everything the cluster holds for one agent.
type liveAgent struct {
	agent    catalog.Agent
	session  *agent.Session
	open     bool
	removing bool
	timer    *time.Timer
	acks     []pendingAck
}

type Orchestrator struct {
	catalog   *catalog.Catalog
	newGraph  func(func(string)) Graph
	connector agent.Connector
	store     Store
	searcher  Searcher
	logger    zerolog.Logger
	cfg       Config
	now       func() time.Time

	commands    chan func()
	internal    chan func()
	agentEvents chan agent.Event
	events      chan Event
	done        chan struct{}
	running     atomic.Bool

	levelMu    sync.Mutex
	levelGraph Graph

	// Owned by the Run goroutine.
	runCtx        context.Context
	state         State
	clusterID     string
	clusterCtx    context.Context
	clusterCancel context.CancelFunc
	host          catalog.Agent
	personalities map[string]catalog.Personality
	live          map[string]*liveAgent
	order         []string
	speaking      map[string]bool
	inflight      map[string]struct{}
	graph         Graph
	focus         *focus.Controller
	transcripts   *transcript.Aggregator
	persist       *persister
	sessionID     string
	startWait     chan error
}

func New(deps Dependencies) (*Orchestrator, error) {
	if deps.Catalog == nil {
		return nil, errors.New("catalog is required")
	}
	if deps.NewGraph == nil {
		return nil, errors.New("audio graph factory is required")
	}
	if deps.Connector == nil {
		return nil, errors.New("connector is required")
	}
	cfg := deps.Config
	if cfg.UserIdentity == "" {
		cfg.UserIdentity = "Guest-Node"
	}
	if cfg.RemoveFade < 0 {
		cfg.RemoveFade = 0
	}
	if cfg.SearchLimit <= 0 {
		cfg.SearchLimit = 5
	}
	if cfg.SearchTimeout <= 0 {
		cfg.SearchTimeout = 10 * time.Second
	}
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = 5 * time.Second
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 256
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Orchestrator{
		catalog:     deps.Catalog,
		newGraph:    deps.NewGraph,
		connector:   deps.Connector,
		store:       deps.Store,
		searcher:    deps.Searcher,
		logger:      deps.Logger.With().Str("component", "cluster").Logger(),
		cfg:         cfg,
		now:         deps.Now,
		commands:    make(chan func()),
		internal:    make(chan func(), 16),
		agentEvents: make(chan agent.Event, 256),
		events:      make(chan Event, cfg.EventBuffer),
		done:        make(chan struct{}),
		state:       StateIdle,
	}, nil
}

// Events is the UI event stream. It is never closed; stop reading once Run
// returns.
func (o *Orchestrator) Events() <-chan Event { return o.events }

// Done is closed when Run returns.
func (o *Orchestrator) Done() <-chan struct{} { return o.done }

// Run owns the cluster until ctx is done, then terminates it.
func (o *Orchestrator) Run(ctx context.Context) error {
	if !o.running.CompareAndSwap(false, true) {
		return errors.New("orchestrator already running")
	}
	defer close(o.done)
	o.runCtx = ctx

	for {
		select {
		case <-ctx.Done():
			if err := o.terminate("shutdown"); err != nil {
				o.logger.Warn().Err(err).Msg("terminate on shutdown")
			}
			return nil
		case fn := <-o.commands:
			fn()
		case fn := <-o.internal:
			fn()
		case ev := <-o.agentEvents:
			o.handleAgentEvent(ev)
		}
		o.drainAgentEvents()
		o.resolveFocus()
	}
}

// drainAgentEvents handles what is already queued so that focus signals
// arriving together resolve as one batch.
func (o *Orchestrator) drainAgentEvents() {
	for i := 0; i < 64; i++ {
		select {
		case ev := <-o.agentEvents:
			o.handleAgentEvent(ev)
		default:
			return
		}
	}
}

// do runs fn on the event loop and returns its error.
func (o *Orchestrator) do(ctx context.Context, fn func() error) error {
	reply := make(chan error, 1)
	select {
	case o.commands <- func() { reply <- fn() }:
	case <-ctx.Done():
		return ctx.Err()
	case <-o.done:
		return ErrStopped
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-o.done:
		return ErrStopped
	}
}

// post queues fn for the event loop from a background goroutine.
func (o *Orchestrator) post(fn func()) {
	select {
	case o.internal <- fn:
	case <-o.done:
	}
}

// StartCluster brings up the audio graph and the host session and returns
// once the host is connected. Device and host connection failures abort the
// start and leave the cluster idle.
func (o *Orchestrator) StartCluster(ctx context.Context, hostID string, personalities map[string]catalog.Personality) error {
	var graph Graph
	wait := make(chan error, 1)
	err := o.do(ctx, func() error {
		if o.state != StateIdle {
			return ErrNotIdle
		}
		host, ok := o.catalog.Get(hostID)
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownAgent, hostID)
		}
		o.begin(host, personalities)
		o.startWait = wait
		graph = o.graph
		return nil
	})
	if err != nil {
		return err
	}

	if err := graph.Initialize(ctx); err != nil {
		o.abortStart(graph, err)
		return fmt.Errorf("initialize audio: %w", err)
	}

	err = o.do(ctx, func() error {
		if o.graph != graph || o.state != StateConnecting {
			return ErrTerminated
		}
		if _, err := o.spawn(o.host); err != nil {
			return err
		}
		o.focus.Join(o.host.ID, o.host.Name)
		if ch, changed, err := o.focus.Override(o.host.ID); err != nil {
			return err
		} else if changed {
			o.emitFocus(ch)
		}
		return nil
	})
	if errors.Is(err, ErrTerminated) {
		_ = graph.Shutdown()
		return err
	}
	if err != nil {
		o.abortStart(graph, err)
		return err
	}

	select {
	case err := <-wait:
		return err
	case <-ctx.Done():
		_ = o.TerminateAll(context.Background())
		return ctx.Err()
	}
}

func (o *Orchestrator) abortStart(graph Graph, cause error) {
	_ = o.do(context.Background(), func() error {
		if o.graph == graph && o.state == StateConnecting {
			o.finishStart(cause)
			if err := o.terminate("start failed"); err != nil {
				o.logger.Warn().Err(err).Msg("cleanup after failed start")
			}
		}
		return nil
	})
}

// begin resets per-cluster state and moves to Connecting.
func (o *Orchestrator) begin(host catalog.Agent, personalities map[string]catalog.Personality) {
	o.clusterID = uuid.NewString()
	o.clusterCtx, o.clusterCancel = context.WithCancel(o.runCtx)
	o.host = host
	o.personalities = personalities
	o.live = make(map[string]*liveAgent)
	o.order = nil
	o.speaking = make(map[string]bool)
	o.inflight = make(map[string]struct{})
	o.transcripts = transcript.New(transcript.Config{Now: o.now, MaxHistory: o.cfg.MaxHistory})
	o.sessionID = ""

	clusterID := o.clusterID
	graph := o.newGraph(func(agentID string) {
		go o.post(func() {
			if o.clusterID == clusterID {
				o.playbackIdle(agentID)
			}
		})
	})
	o.graph = graph
	o.levelMu.Lock()
	o.levelGraph = graph
	o.levelMu.Unlock()
	o.focus = focus.New(graph.SetFocus)

	o.logger.Info().Str("cluster_id", o.clusterID).Str("host", host.ID).Msg("cluster starting")
	o.setState(StateConnecting)
	o.openPersistence()
}

func (o *Orchestrator) openPersistence() {
	o.persist = newPersister(o.store, o.logger, o.cfg.PersistTimeout, 256)
	if o.store == nil {
		o.resolveSession(localSessionPrefix+uuid.NewString(), nil)
		return
	}
	store, host, user, timeout := o.store, o.host.ID, o.cfg.UserIdentity, o.cfg.PersistTimeout
	clusterID, ctx := o.clusterID, o.clusterCtx
	go func() {
		createCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		id, err := store.CreateSession(createCtx, host, user)
		o.post(func() {
			if o.clusterID != clusterID || o.sessionID != "" {
				return
			}
			if err != nil || id == "" {
				o.resolveSession(localSessionPrefix+uuid.NewString(), err)
				return
			}
			o.resolveSession(id, nil)
		})
	}()
}

func (o *Orchestrator) resolveSession(id string, err error) {
	if err != nil {
		o.logger.Warn().Err(err).Str("session_id", id).Msg("persistence unavailable, using local session")
	} else {
		o.logger.Info().Str("session_id", id).Msg("transcript session resolved")
	}
	o.sessionID = id
	o.persist.resolve(id)
	o.emit(Event{Type: EventState, State: o.state, SessionID: id})
}

func (o *Orchestrator) finishStart(err error) {
	if o.startWait != nil {
		o.startWait <- err
		o.startWait = nil
	}
}

// spawn opens a session for a and wires its audio nodes.
func (o *Orchestrator) spawn(a catalog.Agent) (*liveAgent, error) {
	setup := agent.Setup{
		AgentID:     a.ID,
		Model:       o.cfg.LiveModel,
		Voice:       a.Voice,
		Instruction: o.catalog.Instruction(a, o.personalities[a.ID]),
		Tools:       ToolDeclarations(o.catalog.IDs()),
	}
	sess := agent.Open(o.clusterCtx, setup, agent.Dependencies{
		Connector: o.connector,
		Playback:  o.graph,
		Events:    o.agentEvents,
		Done:      o.done,
		Logger:    o.logger.With().Str("cluster_id", o.clusterID).Logger(),
		Config: agent.Config{
			ConnectTimeout: o.cfg.ConnectTimeout,
			QueueSize:      o.cfg.SessionQueueSize,
		},
	})
	sink := func(frame []byte) {
		if err := sess.SendAudioFrame(frame); err != nil && !errors.Is(err, agent.ErrClosed) {
			o.logger.Debug().Err(err).Str("agent_id", a.ID).Msg("mic frame not sent")
		}
	}
	if err := o.graph.CreateAgentNodes(a.ID, sink); err != nil {
		_ = sess.Close()
		return nil, fmt.Errorf("audio nodes: %w", err)
	}
	la := &liveAgent{agent: a, session: sess}
	o.live[a.ID] = la
	o.order = append(o.order, a.ID)
	o.logger.Debug().Str("agent_id", a.ID).Str("agent_session_id", sess.ID()).Msg("agent session opening")
	return la, nil
}

// dismiss closes a's session and removes every trace of it from the cluster.
func (o *Orchestrator) dismiss(agentID, reason string) {
	la := o.live[agentID]
	if la == nil {
		return
	}
	if la.timer != nil {
		la.timer.Stop()
	}
	delete(o.live, agentID)
	for i, id := range o.order {
		if id == agentID {
			o.order = append(o.order[:i], o.order[i+1:]...)
			break
		}
	}
	if err := la.session.Close(); err != nil {
		o.logger.Warn().Err(err).Str("agent_id", agentID).Msg("session close")
	}
	if dropped := o.transcripts.Drop(agentID); dropped > 0 {
		o.logger.Debug().Str("agent_id", agentID).Int("open_turns", dropped).Msg("open turns discarded")
	}
	if ch, changed, err := o.focus.Leave(agentID, o.host.ID); err != nil {
		o.logger.Warn().Err(err).Str("agent_id", agentID).Msg("focus fallback")
	} else if changed {
		o.emitFocus(ch)
	}
	if err := o.graph.TeardownAgentNodes(agentID); err != nil {
		o.logger.Debug().Err(err).Str("agent_id", agentID).Msg("teardown audio nodes")
	}
	if o.speaking[agentID] {
		delete(o.speaking, agentID)
		o.emitSpeaking(agentID, false)
	}
	for _, ack := range la.acks {
		o.respond(ack.from, ack.call, errorPayload("%s left before joining.", la.agent.Name))
	}
	o.logger.Info().Str("agent_id", agentID).Str("reason", reason).Msg("agent left")
	o.emit(Event{Type: EventAgentLeft, AgentID: agentID, Reason: reason})
}

// Summon adds agentID to the running cluster. Summoning a live agent is a
// no-op.
func (o *Orchestrator) Summon(ctx context.Context, agentID string) error {
	return o.do(ctx, func() error {
		if o.state != StateConnected {
			return ErrNotConnected
		}
		a, ok := o.catalog.Get(agentID)
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownAgent, agentID)
		}
		if la := o.live[a.ID]; la != nil {
			if !la.removing {
				return nil
			}
			o.dismiss(a.ID, "replaced")
		}
		_, err := o.spawn(a)
		return err
	})
}

// RemoveAgent fades agentID out and tears it down after the configured
// fade window.
func (o *Orchestrator) RemoveAgent(ctx context.Context, agentID string) error {
	return o.do(ctx, func() error {
		if o.state != StateConnected {
			return ErrNotConnected
		}
		la := o.live[agentID]
		if la == nil {
			return fmt.Errorf("%w: %s", ErrUnknownAgent, agentID)
		}
		if agentID == o.host.ID {
			return ErrHostRemoval
		}
		if la.removing {
			return nil
		}
		la.removing = true
		if o.cfg.RemoveFade <= 0 {
			o.dismiss(agentID, "removed")
			return nil
		}
		if err := o.graph.FadeOut(agentID, o.cfg.RemoveFade); err != nil {
			o.logger.Debug().Err(err).Str("agent_id", agentID).Msg("fade out")
		}
		o.emit(Event{Type: EventAgentLeft, AgentID: agentID, Reason: "fading"})
		la.timer = time.AfterFunc(o.cfg.RemoveFade, func() {
			o.post(func() {
				if o.live[agentID] == la {
					o.dismiss(agentID, "removed")
				}
			})
		})
		return nil
	})
}

// Focus is a manual focus override. An empty id silences the master bus.
func (o *Orchestrator) Focus(ctx context.Context, agentID string) error {
	return o.do(ctx, func() error {
		if o.state != StateConnected {
			return ErrNotConnected
		}
		ch, changed, err := o.focus.Override(agentID)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrUnknownAgent, err)
		}
		if changed {
			o.emitFocus(ch)
		}
		return nil
	})
}

// TerminateAll closes every session and the audio graph and returns to
// Idle. Close failures are collected, never allowed to stop the others.
func (o *Orchestrator) TerminateAll(ctx context.Context) error {
	return o.do(ctx, func() error { return o.terminate("terminated") })
}

func (o *Orchestrator) terminate(reason string) error {
	if o.state == StateIdle {
		return nil
	}
	o.finishStart(ErrTerminated)

	var errs []error
	ids := make([]string, 0, len(o.live))
	for id := range o.live {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		la := o.live[id]
		if la.timer != nil {
			la.timer.Stop()
		}
		if err := la.session.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", id, err))
		}
		if err := o.graph.TeardownAgentNodes(id); err != nil && !errors.Is(err, audio.ErrUnknownAgent) {
			errs = append(errs, fmt.Errorf("teardown %s: %w", id, err))
		}
		for _, ack := range la.acks {
			o.respond(ack.from, ack.call, errorPayload("cluster terminated"))
		}
	}
	if err := o.graph.Shutdown(); err != nil {
		errs = append(errs, fmt.Errorf("audio shutdown: %w", err))
	}
	o.persist.close()
	o.clusterCancel()

	o.live = make(map[string]*liveAgent)
	o.order = nil
	o.speaking = make(map[string]bool)
	o.inflight = make(map[string]struct{})
	o.transcripts.Reset()
	o.levelMu.Lock()
	o.levelGraph = nil
	o.levelMu.Unlock()

	err := errors.Join(errs...)
	ev := o.logger.Info()
	if err != nil {
		ev = o.logger.Warn().Err(err)
	}
	ev.Str("cluster_id", o.clusterID).Str("reason", reason).Msg("cluster terminated")
	if f := o.focus.Focused(); f != "" {
		o.emitFocus(focus.Change{From: f, Reason: focus.ReasonFallback})
	}
	o.setState(StateIdle)
	return err
}

// Snapshot reports the cluster as the event loop sees it.
func (o *Orchestrator) Snapshot(ctx context.Context) (Snapshot, error) {
	var snap Snapshot
	err := o.do(ctx, func() error {
		snap = Snapshot{
			State:         o.state,
			ClusterID:     o.clusterID,
			SessionID:     o.sessionID,
			Collaborators: []string{},
			Connecting:    []string{},
			Speaking:      []string{},
		}
		if o.state == StateIdle {
			snap.ClusterID = ""
			snap.SessionID = ""
			return nil
		}
		snap.Host = o.host.ID
		snap.Focused = o.focus.Focused()
		for _, id := range o.order {
			la := o.live[id]
			if la == nil || id == o.host.ID {
				continue
			}
			if la.open {
				snap.Collaborators = append(snap.Collaborators, id)
			} else {
				snap.Connecting = append(snap.Connecting, id)
			}
		}
		for id := range o.speaking {
			snap.Speaking = append(snap.Speaking, id)
		}
		sort.Strings(snap.Speaking)
		return nil
	})
	return snap, err
}

// Levels reports the presentation levels of the mic path and master bus.
func (o *Orchestrator) Levels() (input, output float64) {
	o.levelMu.Lock()
	g := o.levelGraph
	o.levelMu.Unlock()
	if g == nil {
		return 0, 0
	}
	return g.Level(audio.LevelInput), g.Level(audio.LevelOutput)
}

// History returns the sealed turns of the running cluster.
func (o *Orchestrator) History(ctx context.Context) ([]transcript.Turn, error) {
	var out []transcript.Turn
	err := o.do(ctx, func() error {
		if o.transcripts != nil {
			out = o.transcripts.History()
		}
		return nil
	})
	return out, err
}

func (o *Orchestrator) handleAgentEvent(ev agent.Event) {
	la := o.live[ev.AgentID]
	if la == nil || la.session.ID() != ev.SessionID {
		return
	}
	switch ev.Kind {
	case agent.EventOpen:
		o.agentOpen(la)
	case agent.EventAudio:
		o.markSpeaking(ev.AgentID)
		o.focus.OnSpeech(ev.AgentID)
	case agent.EventOutputTranscript:
		acc := o.transcripts.Append(transcript.RoleAgent, ev.AgentID, ev.Text)
		o.focus.OnSpeech(ev.AgentID)
		o.focus.OnAgentTranscript(ev.AgentID, acc, ev.Text)
		o.emit(Event{Type: EventTranscriptDelta, AgentID: ev.AgentID, Role: transcript.RoleAgent, Text: ev.Text})
	case agent.EventInputTranscript:
		acc := o.transcripts.Append(transcript.RoleUser, ev.AgentID, ev.Text)
		o.focus.OnUserTranscript(ev.AgentID, acc, ev.Text)
		if ev.AgentID == o.host.ID {
			o.emit(Event{Type: EventTranscriptDelta, AgentID: ev.AgentID, Role: transcript.RoleUser, Text: ev.Text})
		}
	case agent.EventTurnComplete:
		for _, turn := range o.transcripts.SealAll(ev.AgentID) {
			o.sealed(la, turn)
		}
	case agent.EventInterrupted:
		if o.speaking[ev.AgentID] {
			delete(o.speaking, ev.AgentID)
			o.emitSpeaking(ev.AgentID, false)
		}
	case agent.EventToolCall:
		for _, call := range ev.Calls {
			o.handleToolCall(ev.AgentID, call)
		}
	case agent.EventToolCancel:
		for _, id := range ev.CancelledIDs {
			delete(o.inflight, id)
		}
	case agent.EventGoAway:
		o.emit(Event{Type: EventError, AgentID: ev.AgentID, Error: fmt.Sprintf("%s connection ending in %s", la.agent.Name, ev.TimeLeft)})
	case agent.EventClosed:
		o.agentClosed(la, ev.Err)
	}
}

func (o *Orchestrator) agentOpen(la *liveAgent) {
	la.open = true
	a := la.agent
	o.focus.Join(a.ID, a.Name)
	o.emit(Event{Type: EventAgentJoined, AgentID: a.ID, Agent: &a})
	for _, ack := range la.acks {
		o.respond(ack.from, ack.call, resultPayload(a.Name+" joined."))
	}
	la.acks = nil
	if a.ID == o.host.ID && o.state == StateConnecting {
		o.setState(StateConnected)
		o.logger.Info().Str("cluster_id", o.clusterID).Msg("cluster connected")
		o.finishStart(nil)
	}
}

// agentClosed handles a session that ended without being dismissed: a
// failed connect or a remote close.
func (o *Orchestrator) agentClosed(la *liveAgent, cause error) {
	id := la.agent.ID
	msg := fmt.Sprintf("%s disconnected", la.agent.Name)
	if cause != nil {
		msg = fmt.Sprintf("%s disconnected: %v", la.agent.Name, cause)
	}
	o.emit(Event{Type: EventError, AgentID: id, Error: msg})

	if id == o.host.ID {
		if o.state == StateConnecting {
			o.finishStart(fmt.Errorf("host %s: %w", id, errors.Join(ErrTerminated, cause)))
		}
		if err := o.terminate("host closed"); err != nil {
			o.logger.Warn().Err(err).Msg("terminate after host close")
		}
		return
	}
	acks := la.acks
	la.acks = nil
	for _, ack := range acks {
		o.respond(ack.from, ack.call, errorPayload("%s could not join: %v", la.agent.Name, cause))
	}
	o.dismiss(id, "closed")
}

// sealed publishes, persists and optionally relays one completed turn. User
// speech is transcribed by every session; only the host's copy is kept.
func (o *Orchestrator) sealed(la *liveAgent, turn transcript.Turn) {
	if turn.Role == transcript.RoleUser && turn.AgentID != o.host.ID {
		return
	}
	if turn.Role == transcript.RoleUser {
		turn.AgentID = ""
	}
	o.emit(Event{Type: EventTurn, AgentID: la.agent.ID, Role: turn.Role, Turn: &turn})
	o.persist.add(turn)

	if !o.cfg.RelayTranscripts || turn.Role != transcript.RoleAgent {
		return
	}
	text := fmt.Sprintf("[%s]: %s", la.agent.Name, turn.Text)
	for _, id := range o.order {
		peer := o.live[id]
		if peer == nil || id == la.agent.ID || !peer.open {
			continue
		}
		if err := peer.session.SendText(text, false); err != nil {
			o.logger.Debug().Err(err).Str("agent_id", id).Msg("relay not sent")
		}
	}
}

func (o *Orchestrator) markSpeaking(agentID string) {
	if o.speaking[agentID] {
		return
	}
	o.speaking[agentID] = true
	o.emitSpeaking(agentID, true)
}

func (o *Orchestrator) playbackIdle(agentID string) {
	if o.state == StateIdle || !o.speaking[agentID] {
		return
	}
	delete(o.speaking, agentID)
	o.emitSpeaking(agentID, false)
}

func (o *Orchestrator) resolveFocus() {
	if o.focus == nil || o.state == StateIdle {
		return
	}
	ch, changed, err := o.focus.Resolve()
	if err != nil {
		o.logger.Warn().Err(err).Msg("focus change not applied")
		return
	}
	if changed {
		o.emitFocus(ch)
	}
}

func (o *Orchestrator) setState(s State) {
	o.state = s
	o.emit(Event{Type: EventState, State: s, SessionID: o.sessionID})
}

func (o *Orchestrator) emitFocus(ch focus.Change) {
	o.logger.Debug().Str("from", ch.From).Str("to", ch.To).Str("reason", string(ch.Reason)).Msg("focus")
	o.emit(Event{Type: EventFocus, AgentID: ch.To, Focus: &ch})
}

func (o *Orchestrator) emitSpeaking(agentID string, speaking bool) {
	o.emit(Event{Type: EventSpeaking, AgentID: agentID, Speaking: &speaking})
}

// emit never blocks the loop; a consumer that falls behind loses events.
func (o *Orchestrator) emit(ev Event) {
	ev.ClusterID = o.clusterID
	if ev.At.IsZero() {
		ev.At = o.now()
	}
	select {
	case o.events <- ev:
	default:
		o.logger.Warn().Str("type", string(ev.Type)).Msg("ui event dropped, consumer too slow")
	}
}
