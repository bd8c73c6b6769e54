// Package agent wraps one realtime speech connection for one cluster agent.
//
// A session moves Connecting -> Open -> Closed. Open returns immediately;
// sends made before the service acknowledges setup are queued, not dropped.
// Inbound audio is decoded and scheduled on the agent's playback timeline by
// the receive goroutine so chunks keep arrival order; everything else is
// reported on the owner's event channel.
package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"google.golang.org/genai"

	"github.com/vango-go/vai-cluster/pkg/cluster/audio"
)

var (
	ErrClosed    = errors.New("agent session closed")
	ErrQueueFull = errors.New("agent session send queue full")
)

// Playback is the agent's output node on the audio graph.
type Playback interface {
	Schedule(agentID string, samples []int16) (audio.Scheduled, error)
	Interrupt(agentID string) int
}

type Config struct {
	ConnectTimeout time.Duration
	QueueSize      int
	InputMIMEType  string
}

type Dependencies struct {
	Connector Connector
	Playback  Playback
	// Events is shared by every session of a cluster.
	Events chan<- Event
	// Done is closed when the owner stops reading Events.
	Done   <-chan struct{}
	Logger zerolog.Logger
	Config Config
}

type Session struct {
	id       string
	setup    Setup
	deps     Dependencies
	logger   zerolog.Logger
	priority chan outbound
	normal   chan outbound

	state     atomic.Int32
	closing   atomic.Bool
	ready     chan struct{}
	readyOnce sync.Once
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}

	mu   sync.Mutex
	conn Conn
}

// Open starts connecting in the background and returns at once. The session
// reports EventOpen when the service is ready, or EventClosed if it never
// becomes ready.
func Open(ctx context.Context, setup Setup, deps Dependencies) *Session {
	if deps.Config.ConnectTimeout <= 0 {
		deps.Config.ConnectTimeout = 15 * time.Second
	}
	if deps.Config.QueueSize <= 0 {
		deps.Config.QueueSize = 64
	}
	if deps.Config.InputMIMEType == "" {
		deps.Config.InputMIMEType = audio.InputMIMEType
	}
	sessCtx, cancel := context.WithCancel(ctx)
	s := &Session{
		id:       uuid.NewString(),
		setup:    setup,
		deps:     deps,
		priority: make(chan outbound, deps.Config.QueueSize),
		normal:   make(chan outbound, deps.Config.QueueSize),
		ready:    make(chan struct{}),
		ctx:      sessCtx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	s.logger = deps.Logger.With().
		Str("component", "agent_session").
		Str("agent_id", setup.AgentID).
		Str("agent_session_id", s.id).
		Logger()
	s.state.Store(int32(StateConnecting))
	go s.run()
	return s
}

// ID distinguishes successive sessions of the same agent.
func (s *Session) ID() string { return s.id }

func (s *Session) AgentID() string { return s.setup.AgentID }

func (s *Session) State() State { return State(s.state.Load()) }

// Done is closed once the connection and both loops have stopped.
func (s *Session) Done() <-chan struct{} { return s.done }

// SendAudioFrame queues one PCM16 mic frame as realtime input.
func (s *Session) SendAudioFrame(frame []byte) error {
	if len(frame) == 0 {
		return nil
	}
	return s.enqueue(s.normal, outbound{audio: frame}, "audio")
}

// SendToolResult answers a pending tool call. Results jump ahead of queued
// audio.
func (s *Session) SendToolResult(callID, name string, result map[string]any) error {
	return s.enqueue(s.priority, outbound{tool: &genai.FunctionResponse{
		ID:       callID,
		Name:     name,
		Response: result,
	}}, "tool_response")
}

// SendText injects user-role text, used to let an agent read a peer's words.
// With turnComplete false the model treats it as context and keeps listening.
func (s *Session) SendText(text string, turnComplete bool) error {
	if text == "" {
		return nil
	}
	return s.enqueue(s.normal, outbound{content: &genai.LiveClientContentInput{
		Turns:        []*genai.Content{genai.NewContentFromText(text, genai.RoleUser)},
		TurnComplete: genai.Ptr(turnComplete),
	}}, "text")
}

func (s *Session) enqueue(q chan outbound, frame outbound, kind string) error {
	if s.closing.Load() || s.State() == StateClosed {
		return ErrClosed
	}
	select {
	case q <- frame:
		return nil
	default:
		s.logger.Warn().Str("kind", kind).Int("queue_size", cap(q)).Msg("send queue full")
		return fmt.Errorf("%w: %s", ErrQueueFull, kind)
	}
}

// Close asks the connection to shut down. The session still reports
// EventClosed, with a nil Err.
func (s *Session) Close() error {
	if !s.closing.CompareAndSwap(false, true) {
		return nil
	}
	s.cancel()
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close()
}

func (s *Session) run() {
	defer close(s.done)

	connectCtx, cancel := context.WithTimeout(s.ctx, s.deps.Config.ConnectTimeout)
	conn, err := s.deps.Connector.Connect(connectCtx, s.setup.Model, s.setup.LiveConfig())
	cancel()
	if err != nil {
		s.finish(fmt.Errorf("connect: %w", err))
		return
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	if s.ctx.Err() != nil {
		_ = conn.Close()
		s.finish(nil)
		return
	}
	s.logger.Debug().Str("model", s.setup.Model).Msg("connected, awaiting setup")

	w := &outboundWriter{
		conn:     conn,
		ctx:      s.ctx,
		ready:    s.ready,
		mimeType: s.deps.Config.InputMIMEType,
		priority: s.priority,
		normal:   s.normal,
	}
	var sendErr atomic.Pointer[error]
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		if err := w.Run(); err != nil {
			sendErr.Store(&err)
			s.logger.Warn().Err(err).Msg("send failed, closing connection")
			_ = conn.Close()
		}
	}()

	recvErr := s.receiveLoop(conn)
	s.cancel()
	_ = conn.Close()
	<-writerDone

	if p := sendErr.Load(); p != nil {
		recvErr = *p
	}
	s.finish(recvErr)
}

func (s *Session) receiveLoop(conn Conn) error {
	for {
		msg, err := conn.Receive()
		if err != nil {
			return err
		}
		if msg != nil {
			s.handle(msg)
		}
	}
}

// finish marks the session closed and reports it. A remote close also stops
// whatever is still scheduled for the agent; after a local Close the owner
// tears the nodes down itself and may already have new ones for the agent.
func (s *Session) finish(err error) {
	s.state.Store(int32(StateClosed))
	if s.closing.Load() {
		err = nil
	} else if s.deps.Playback != nil {
		s.deps.Playback.Interrupt(s.setup.AgentID)
	}
	if err != nil {
		s.logger.Warn().Err(err).Msg("session closed")
	} else {
		s.logger.Debug().Msg("session closed")
	}
	s.emit(Event{Kind: EventClosed, Err: err})
}

func (s *Session) markOpen() {
	s.readyOnce.Do(func() {
		s.state.CompareAndSwap(int32(StateConnecting), int32(StateOpen))
		close(s.ready)
		s.logger.Info().Msg("session open")
		s.emit(Event{Kind: EventOpen})
	})
}

func (s *Session) handle(msg *genai.LiveServerMessage) {
	if msg.SetupComplete != nil {
		s.markOpen()
	}

	if sc := msg.ServerContent; sc != nil {
		if sc.Interrupted {
			stopped := 0
			if s.deps.Playback != nil {
				stopped = s.deps.Playback.Interrupt(s.setup.AgentID)
			}
			s.logger.Debug().Int("stopped_sources", stopped).Msg("interrupted")
			s.emit(Event{Kind: EventInterrupted})
		}
		if t := sc.InputTranscription; t != nil && t.Text != "" {
			s.emit(Event{Kind: EventInputTranscript, Text: t.Text})
		}
		if sc.ModelTurn != nil {
			for _, part := range sc.ModelTurn.Parts {
				if part == nil || part.InlineData == nil || len(part.InlineData.Data) == 0 {
					continue
				}
				s.playChunk(part.InlineData)
			}
		}
		if t := sc.OutputTranscription; t != nil && t.Text != "" {
			s.emit(Event{Kind: EventOutputTranscript, Text: t.Text})
		}
		if sc.TurnComplete {
			s.emit(Event{Kind: EventTurnComplete})
		}
	}

	if tc := msg.ToolCall; tc != nil && len(tc.FunctionCalls) > 0 {
		calls := make([]ToolCall, 0, len(tc.FunctionCalls))
		for _, fc := range tc.FunctionCalls {
			if fc == nil {
				continue
			}
			calls = append(calls, ToolCall{ID: fc.ID, Name: fc.Name, Args: fc.Args})
		}
		s.emit(Event{Kind: EventToolCall, Calls: calls})
	}
	if c := msg.ToolCallCancellation; c != nil && len(c.IDs) > 0 {
		s.emit(Event{Kind: EventToolCancel, CancelledIDs: append([]string(nil), c.IDs...)})
	}
	if ga := msg.GoAway; ga != nil {
		s.logger.Warn().Dur("time_left", ga.TimeLeft).Msg("service going away")
		s.emit(Event{Kind: EventGoAway, TimeLeft: ga.TimeLeft})
	}
}

// playChunk decodes one inbound chunk and schedules it. A malformed chunk is
// dropped; the session carries on.
func (s *Session) playChunk(blob *genai.Blob) {
	samples, err := audio.DecodeChunk(blob.Data, blob.MIMEType)
	if err != nil {
		s.logger.Warn().Err(err).Str("mime_type", blob.MIMEType).Int("bytes", len(blob.Data)).Msg("dropping audio chunk")
		return
	}
	var sched audio.Scheduled
	if s.deps.Playback != nil {
		sched, err = s.deps.Playback.Schedule(s.setup.AgentID, samples)
		if err != nil {
			s.logger.Debug().Err(err).Msg("audio chunk not scheduled")
			return
		}
	}
	s.emit(Event{Kind: EventAudio, Scheduled: sched})
}

func (s *Session) emit(ev Event) {
	if s.deps.Events == nil {
		return
	}
	if ev.Kind != EventClosed && s.closing.Load() {
		return
	}
	ev.AgentID = s.setup.AgentID
	ev.SessionID = s.id
	select {
	case s.deps.Events <- ev:
	case <-s.deps.Done:
	}
}
