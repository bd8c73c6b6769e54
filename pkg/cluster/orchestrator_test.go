package cluster

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"

	"github.com/vango-go/vai-cluster/pkg/cluster/agent"
	"github.com/vango-go/vai-cluster/pkg/cluster/audio"
	"github.com/vango-go/vai-cluster/pkg/cluster/catalog"
	"github.com/vango-go/vai-cluster/pkg/knowledge"
)

const waitFor = 2 * time.Second

// --- fakes -----------------------------------------------------------------

type fakeConn struct {
	agentID   string
	inbound   chan *genai.LiveServerMessage
	hangup    chan error
	closed    chan struct{}
	closeOnce sync.Once
	closeErr  error

	mu    sync.Mutex
	tools []*genai.FunctionResponse
	texts []string
	audio int
}

func newFakeConn(agentID string) *fakeConn {
	return &fakeConn{
		agentID: agentID,
		inbound: make(chan *genai.LiveServerMessage, 32),
		hangup:  make(chan error, 1),
		closed:  make(chan struct{}),
	}
}

func (c *fakeConn) SendRealtimeInput(genai.LiveRealtimeInput) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.audio++
	return nil
}

func (c *fakeConn) SendToolResponse(in genai.LiveToolResponseInput) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tools = append(c.tools, in.FunctionResponses...)
	return nil
}

func (c *fakeConn) SendClientContent(in genai.LiveClientContentInput) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, turn := range in.Turns {
		for _, p := range turn.Parts {
			c.texts = append(c.texts, p.Text)
		}
	}
	return nil
}

func (c *fakeConn) Receive() (*genai.LiveServerMessage, error) {
	select {
	case msg := <-c.inbound:
		return msg, nil
	case err := <-c.hangup:
		return nil, err
	case <-c.closed:
		return nil, errors.New("use of closed network connection")
	}
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return c.closeErr
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *fakeConn) ready() {
	c.inbound <- &genai.LiveServerMessage{SetupComplete: &genai.LiveServerSetupComplete{}}
}

func (c *fakeConn) speak(samples int) {
	data := audio.EncodePCM16(make([]int16, samples))
	for i := range data {
		data[i] = 0x10
	}
	c.inbound <- &genai.LiveServerMessage{ServerContent: &genai.LiveServerContent{
		ModelTurn: &genai.Content{Parts: []*genai.Part{{InlineData: &genai.Blob{Data: data, MIMEType: "audio/pcm;rate=24000"}}}},
	}}
}

func (c *fakeConn) say(text string) {
	c.inbound <- &genai.LiveServerMessage{ServerContent: &genai.LiveServerContent{
		OutputTranscription: &genai.Transcription{Text: text},
	}}
}

func (c *fakeConn) hear(text string) {
	c.inbound <- &genai.LiveServerMessage{ServerContent: &genai.LiveServerContent{
		InputTranscription: &genai.Transcription{Text: text},
	}}
}

func (c *fakeConn) turnComplete() {
	c.inbound <- &genai.LiveServerMessage{ServerContent: &genai.LiveServerContent{TurnComplete: true}}
}

func (c *fakeConn) call(id, name string, args map[string]any) {
	c.inbound <- &genai.LiveServerMessage{ToolCall: &genai.LiveServerToolCall{
		FunctionCalls: []*genai.FunctionCall{{ID: id, Name: name, Args: args}},
	}}
}

func (c *fakeConn) toolResponse(t *testing.T, callID string) map[string]any {
	t.Helper()
	var resp map[string]any
	require.Eventually(t, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		for _, r := range c.tools {
			if r.ID == callID {
				resp = r.Response
				return true
			}
		}
		return false
	}, waitFor, 5*time.Millisecond, "no tool response for %s", callID)
	return resp
}

// fakeConnector tells agents apart by their voice.
type fakeConnector struct {
	voices map[string]string
	fail   map[string]error

	mu    sync.Mutex
	conns map[string][]*fakeConn
}

func newFakeConnector(cat *catalog.Catalog) *fakeConnector {
	f := &fakeConnector{voices: map[string]string{}, fail: map[string]error{}, conns: map[string][]*fakeConn{}}
	for _, a := range cat.List() {
		f.voices[a.Voice] = a.ID
	}
	return f
}

func (f *fakeConnector) Connect(_ context.Context, _ string, cfg *genai.LiveConnectConfig) (agent.Conn, error) {
	id := f.voices[cfg.SpeechConfig.VoiceConfig.PrebuiltVoiceConfig.VoiceName]
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail[id]; err != nil {
		return nil, err
	}
	c := newFakeConn(id)
	f.conns[id] = append(f.conns[id], c)
	return c, nil
}

func (f *fakeConnector) count(agentID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.conns[agentID])
}

func (f *fakeConnector) conn(t *testing.T, agentID string) *fakeConn {
	t.Helper()
	var c *fakeConn
	require.Eventually(t, func() bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		if cs := f.conns[agentID]; len(cs) > 0 {
			c = cs[len(cs)-1]
			return true
		}
		return false
	}, waitFor, 5*time.Millisecond, "no connection for %s", agentID)
	return c
}

type fakeMic struct {
	mu     sync.Mutex
	err    error
	closed bool
}

func (m *fakeMic) Start(context.Context) (<-chan []byte, error) {
	if m.err != nil {
		return nil, m.err
	}
	return make(chan []byte), nil
}

func (m *fakeMic) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

type nopSpeaker struct{}

func (nopSpeaker) Write([]byte) error { return nil }
func (nopSpeaker) Close() error       { return nil }

type storedTurn struct {
	sessionID, role, text, agentID string
}

type fakeStore struct {
	createErr error
	release   chan struct{}

	mu       sync.Mutex
	sessions []string
	turns    []storedTurn
}

func (s *fakeStore) CreateSession(ctx context.Context, hostAgentID, _ string) (string, error) {
	if s.release != nil {
		select {
		case <-s.release:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions = append(s.sessions, hostAgentID)
	if s.createErr != nil {
		return "", s.createErr
	}
	return "sess-1", nil
}

func (s *fakeStore) AppendTurn(_ context.Context, sessionID, role, text, agentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turns = append(s.turns, storedTurn{sessionID, role, text, agentID})
	return nil
}

func (s *fakeStore) stored() []storedTurn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]storedTurn(nil), s.turns...)
}

type fakeSearcher struct {
	results []knowledge.Result
	err     error
}

func (f *fakeSearcher) Search(context.Context, string, int) ([]knowledge.Result, error) {
	return f.results, f.err
}

// --- harness ---------------------------------------------------------------

type testCluster struct {
	orch      *Orchestrator
	connector *fakeConnector
	mic       *fakeMic
	store     *fakeStore

	mu     sync.Mutex
	graph  *audio.Graph
	events []Event
}

type option func(*Dependencies)

func newTestCluster(t *testing.T, opts ...option) *testCluster {
	t.Helper()
	cat := catalog.Default()
	tc := &testCluster{connector: newFakeConnector(cat), mic: &fakeMic{}, store: &fakeStore{}}
	deps := Dependencies{
		Catalog:   cat,
		Connector: tc.connector,
		Store:     tc.store,
		Logger:    zerolog.Nop(),
		Config:    Config{LiveModel: "live-model"},
	}
	deps.NewGraph = func(onIdle func(string)) Graph {
		g := audio.NewGraph(audio.Dependencies{
			Microphone:     tc.mic,
			Speaker:        nopSpeaker{},
			Config:         audio.Config{RenderInterval: time.Hour},
			OnPlaybackIdle: onIdle,
		})
		tc.mu.Lock()
		tc.graph = g
		tc.mu.Unlock()
		return g
	}
	for _, opt := range opts {
		opt(&deps)
	}
	orch, err := New(deps)
	require.NoError(t, err)
	tc.orch = orch

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = orch.Run(ctx) }()
	go func() {
		for {
			select {
			case ev := <-orch.Events():
				tc.mu.Lock()
				tc.events = append(tc.events, ev)
				tc.mu.Unlock()
			case <-orch.Done():
				return
			}
		}
	}()
	t.Cleanup(func() {
		cancel()
		<-orch.Done()
	})
	return tc
}

func (tc *testCluster) audioGraph() *audio.Graph {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return tc.graph
}

func (tc *testCluster) waitEvent(t *testing.T, match func(Event) bool) Event {
	t.Helper()
	var found Event
	require.Eventually(t, func() bool {
		tc.mu.Lock()
		defer tc.mu.Unlock()
		for _, ev := range tc.events {
			if match(ev) {
				found = ev
				return true
			}
		}
		return false
	}, waitFor, 5*time.Millisecond)
	return found
}

func (tc *testCluster) snapshot(t *testing.T) Snapshot {
	t.Helper()
	snap, err := tc.orch.Snapshot(context.Background())
	require.NoError(t, err)
	return snap
}

func (tc *testCluster) eventually(t *testing.T, cond func(Snapshot) bool, msg string) {
	t.Helper()
	require.Eventually(t, func() bool { return cond(tc.snapshot(t)) }, waitFor, 5*time.Millisecond, msg)
}

// start brings the cluster up with host oracle and returns the host connection.
func (tc *testCluster) start(t *testing.T) *fakeConn {
	t.Helper()
	errCh := make(chan error, 1)
	go func() { errCh <- tc.orch.StartCluster(context.Background(), "oracle", nil) }()
	host := tc.connector.conn(t, "oracle")
	host.ready()
	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("StartCluster did not return")
	}
	return host
}

// summon has host call summonAgent for id and brings the new session up.
func (tc *testCluster) summon(t *testing.T, host *fakeConn, callID, id string) *fakeConn {
	t.Helper()
	host.call(callID, ToolSummonAgent, map[string]any{"agentId": id, "reason": "needed"})
	c := tc.connector.conn(t, id)
	c.ready()
	tc.waitEvent(t, func(ev Event) bool { return ev.Type == EventAgentJoined && ev.AgentID == id })
	return c
}

// --- tests -----------------------------------------------------------------

func TestStartCluster_ConnectsHostAndFocusesIt(t *testing.T) {
	tc := newTestCluster(t)
	tc.start(t)

	snap := tc.snapshot(t)
	assert.Equal(t, StateConnected, snap.State)
	assert.Equal(t, "oracle", snap.Host)
	assert.Equal(t, "oracle", snap.Focused)
	assert.Equal(t, []string{"oracle"}, tc.audioGraph().MasterInputs())
	assert.Equal(t, []string{audio.MicNodeID}, tc.audioGraph().MixerInputs("oracle"))

	tc.eventually(t, func(s Snapshot) bool { return s.SessionID == "sess-1" }, "session id resolves")
	require.ErrorIs(t, tc.orch.StartCluster(context.Background(), "oracle", nil), ErrNotIdle)
}

func TestStartCluster_DeviceFailureIsFatal(t *testing.T) {
	tc := newTestCluster(t)
	tc.mic.err = errors.New("permission denied")

	err := tc.orch.StartCluster(context.Background(), "oracle", nil)
	require.ErrorIs(t, err, audio.ErrDeviceUnavailable)
	assert.Equal(t, StateIdle, tc.snapshot(t).State)
	assert.Zero(t, tc.connector.count("oracle"))
}

func TestStartCluster_HostConnectFailureLeavesIdle(t *testing.T) {
	tc := newTestCluster(t)
	tc.connector.fail["oracle"] = errors.New("dial refused")

	err := tc.orch.StartCluster(context.Background(), "oracle", nil)
	require.ErrorIs(t, err, ErrTerminated)
	assert.Contains(t, err.Error(), "dial refused")
	assert.Equal(t, StateIdle, tc.snapshot(t).State)
	assert.True(t, tc.mic.closed)
}

func TestStartCluster_UnknownHost(t *testing.T) {
	tc := newTestCluster(t)
	require.ErrorIs(t, tc.orch.StartCluster(context.Background(), "nobody", nil), ErrUnknownAgent)
}

func TestEndToEnd_SummonSpeakPersist(t *testing.T) {
	tc := newTestCluster(t)
	host := tc.start(t)

	architect := tc.summon(t, host, "call-1", "architect")
	assert.Equal(t, map[string]any{"result": "Architect joined."}, host.toolResponse(t, "call-1"))

	g := tc.audioGraph()
	assert.Equal(t, []string{audio.MicNodeID, "oracle"}, g.MixerInputs("architect"))
	assert.Equal(t, []string{audio.MicNodeID, "architect"}, g.MixerInputs("oracle"))

	architect.speak(2400)
	architect.speak(2400)
	architect.say("Hi ")
	architect.say("there")
	tc.eventually(t, func(s Snapshot) bool { return s.Focused == "architect" }, "speaking agent takes focus")
	assert.Equal(t, []string{"architect"}, g.MasterInputs())
	tc.waitEvent(t, func(ev Event) bool {
		return ev.Type == EventSpeaking && ev.AgentID == "architect" && ev.Speaking != nil && *ev.Speaking
	})

	architect.turnComplete()
	require.Eventually(t, func() bool { return len(tc.store.stored()) == 1 }, waitFor, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, []storedTurn{{sessionID: "sess-1", role: "agent", text: "Hi there", agentID: "architect"}}, tc.store.stored())
	assert.Equal(t, "architect", tc.snapshot(t).Focused)
}

func TestSummon_IsIdempotent(t *testing.T) {
	tc := newTestCluster(t)
	host := tc.start(t)
	tc.summon(t, host, "call-1", "ledger")

	host.call("call-2", ToolSummonAgent, map[string]any{"agentId": "Ledger", "reason": "again"})
	assert.Equal(t, map[string]any{"result": "Ledger is already in the cluster."}, host.toolResponse(t, "call-2"))
	require.NoError(t, tc.orch.Summon(context.Background(), "ledger"))

	assert.Equal(t, 1, tc.connector.count("ledger"))
	assert.Equal(t, []string{"ledger", "oracle"}, tc.audioGraph().Agents())
	assert.Equal(t, []string{"ledger"}, tc.snapshot(t).Collaborators)
}

func TestSummon_UnknownAgentIsAnsweredWithError(t *testing.T) {
	tc := newTestCluster(t)
	host := tc.start(t)

	host.call("call-1", ToolSummonAgent, map[string]any{"agentId": "wizard"})
	resp := host.toolResponse(t, "call-1")
	require.Contains(t, resp, "error")
	assert.Contains(t, resp["error"], "wizard")
	assert.Equal(t, []string{"oracle"}, tc.audioGraph().Agents())
}

func TestSummon_ConnectFailureIsAnsweredAndIsolated(t *testing.T) {
	tc := newTestCluster(t)
	host := tc.start(t)
	tc.connector.mu.Lock()
	tc.connector.fail["muse"] = errors.New("quota exceeded")
	tc.connector.mu.Unlock()

	host.call("call-1", ToolSummonAgent, map[string]any{"agentId": "muse", "reason": "ideas"})
	resp := host.toolResponse(t, "call-1")
	assert.Contains(t, resp["error"], "quota exceeded")

	snap := tc.snapshot(t)
	assert.Equal(t, StateConnected, snap.State)
	assert.Empty(t, snap.Collaborators)
	assert.Equal(t, []string{"oracle"}, tc.audioGraph().Agents())
}

func TestDismiss_TearsDownAndFallsBackToHost(t *testing.T) {
	tc := newTestCluster(t)
	host := tc.start(t)
	architect := tc.summon(t, host, "c1", "architect")
	ledger := tc.summon(t, host, "c2", "ledger")

	ledger.speak(240)
	tc.eventually(t, func(s Snapshot) bool { return s.Focused == "ledger" }, "ledger focused")

	host.call("c3", ToolDismissAgent, map[string]any{"agentId": "ledger", "reason": "done"})
	assert.Equal(t, map[string]any{"result": "Ledger left."}, host.toolResponse(t, "c3"))
	tc.eventually(t, func(s Snapshot) bool { return s.Focused == "oracle" }, "focus falls back to host")

	g := tc.audioGraph()
	assert.Equal(t, []string{"architect", "oracle"}, g.Agents())
	assert.Equal(t, []string{audio.MicNodeID, "architect"}, g.MixerInputs("oracle"))
	assert.Equal(t, []string{audio.MicNodeID, "oracle"}, g.MixerInputs("architect"))
	assert.Equal(t, []string{"oracle"}, g.MasterInputs())
	assert.True(t, ledger.isClosed())
	assert.False(t, architect.isClosed())
	tc.waitEvent(t, func(ev Event) bool { return ev.Type == EventAgentLeft && ev.AgentID == "ledger" && ev.Reason == "done" })
}

func TestDismiss_HostAndStrangersAreRefused(t *testing.T) {
	tc := newTestCluster(t)
	host := tc.start(t)

	host.call("c1", ToolDismissAgent, map[string]any{"agentId": "oracle"})
	assert.Contains(t, host.toolResponse(t, "c1"), "error")
	host.call("c2", ToolDismissAgent, map[string]any{"agentId": "muse"})
	assert.Contains(t, host.toolResponse(t, "c2"), "error")
	assert.Equal(t, StateConnected, tc.snapshot(t).State)
}

func TestSearchKnowledge_AlwaysAnswers(t *testing.T) {
	t.Run("failure", func(t *testing.T) {
		tc := newTestCluster(t, func(d *Dependencies) { d.Searcher = &fakeSearcher{err: errors.New("db down")} })
		host := tc.start(t)
		host.call("s1", ToolSearchKnowledge, map[string]any{"query": "quarry"})
		assert.Equal(t, map[string]any{"result": "Knowledge search failed: db down"}, host.toolResponse(t, "s1"))
	})
	t.Run("results", func(t *testing.T) {
		tc := newTestCluster(t, func(d *Dependencies) {
			d.Searcher = &fakeSearcher{results: []knowledge.Result{{Title: "Notes", Excerpt: "zircon under the quarry"}}}
		})
		host := tc.start(t)
		host.call("s1", ToolSearchKnowledge, map[string]any{"query": "quarry", "limit": float64(3)})
		assert.Equal(t, map[string]any{"result": "Found 1 document(s):\n1. Notes: zircon under the quarry"}, host.toolResponse(t, "s1"))
	})
	t.Run("unavailable", func(t *testing.T) {
		tc := newTestCluster(t)
		host := tc.start(t)
		host.call("s1", ToolSearchKnowledge, map[string]any{"query": "quarry"})
		assert.Contains(t, host.toolResponse(t, "s1")["result"], "not available")
		host.call("s2", ToolSearchKnowledge, map[string]any{})
		assert.Contains(t, host.toolResponse(t, "s2"), "error")
	})
}

func TestRaiseSignal_EmitsUIEvent(t *testing.T) {
	tc := newTestCluster(t)
	host := tc.start(t)

	host.call("sig", ToolRaiseSignal, map[string]any{"kind": "warning", "message": "check the numbers"})
	assert.Equal(t, map[string]any{"result": "ok"}, host.toolResponse(t, "sig"))
	ev := tc.waitEvent(t, func(ev Event) bool { return ev.Type == EventSignal })
	require.NotNil(t, ev.Signal)
	assert.Equal(t, "oracle", ev.Signal.AgentID)
	assert.Equal(t, "warning", ev.Signal.Kind)
	assert.Equal(t, "check the numbers", ev.Signal.Message)
}

func TestUnknownToolIsAnswered(t *testing.T) {
	tc := newTestCluster(t)
	host := tc.start(t)
	host.call("x", "launchRocket", nil)
	assert.Contains(t, host.toolResponse(t, "x"), "error")
}

func TestPersistence_FallsBackToLocalSession(t *testing.T) {
	tc := newTestCluster(t)
	tc.store.createErr = errors.New("connection refused")
	host := tc.start(t)

	tc.eventually(t, func(s Snapshot) bool { return strings.HasPrefix(s.SessionID, "local-") }, "local session id")
	host.say("Hello")
	host.turnComplete()
	tc.waitEvent(t, func(ev Event) bool { return ev.Type == EventTurn })
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, tc.store.stored())
}

func TestPersistence_TurnsWaitForSessionID(t *testing.T) {
	tc := newTestCluster(t)
	tc.store.release = make(chan struct{})
	host := tc.start(t)

	host.hear("what's ")
	host.hear("up")
	host.say("Not much.")
	host.turnComplete()
	tc.waitEvent(t, func(ev Event) bool { return ev.Type == EventTurn && ev.Role == "agent" })
	assert.Empty(t, tc.store.stored())

	close(tc.store.release)
	require.Eventually(t, func() bool { return len(tc.store.stored()) == 2 }, waitFor, 5*time.Millisecond)
	assert.Equal(t, []storedTurn{
		{sessionID: "sess-1", role: "user", text: "what's up"},
		{sessionID: "sess-1", role: "agent", text: "Not much.", agentID: "oracle"},
	}, tc.store.stored())
}

func TestPersistence_OnlyHostUserTurnsAreKept(t *testing.T) {
	tc := newTestCluster(t)
	host := tc.start(t)
	muse := tc.summon(t, host, "c1", "muse")

	muse.hear("paint me a picture")
	muse.turnComplete()
	host.hear("paint me a picture")
	host.turnComplete()

	require.Eventually(t, func() bool { return len(tc.store.stored()) == 1 }, waitFor, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, []storedTurn{{sessionID: "sess-1", role: "user", text: "paint me a picture"}}, tc.store.stored())
}

func TestFocus_UserMentionBeatsSpeech(t *testing.T) {
	tc := newTestCluster(t)
	host := tc.start(t)
	tc.summon(t, host, "c1", "ledger")

	host.hear("Ledger, ")
	host.hear("what do you think?")
	tc.eventually(t, func(s Snapshot) bool { return s.Focused == "ledger" }, "user named ledger")
	assert.Equal(t, []string{"ledger"}, tc.audioGraph().MasterInputs())

	require.NoError(t, tc.orch.Focus(context.Background(), "oracle"))
	assert.Equal(t, "oracle", tc.snapshot(t).Focused)
	require.ErrorIs(t, tc.orch.Focus(context.Background(), "muse"), ErrUnknownAgent)
}

func TestRemoveAgent_FadesThenTearsDown(t *testing.T) {
	tc := newTestCluster(t, func(d *Dependencies) { d.Config.RemoveFade = 50 * time.Millisecond })
	host := tc.start(t)
	architect := tc.summon(t, host, "c1", "architect")

	require.ErrorIs(t, tc.orch.RemoveAgent(context.Background(), "oracle"), ErrHostRemoval)
	require.ErrorIs(t, tc.orch.RemoveAgent(context.Background(), "muse"), ErrUnknownAgent)

	require.NoError(t, tc.orch.RemoveAgent(context.Background(), "architect"))
	require.NoError(t, tc.orch.RemoveAgent(context.Background(), "architect"))
	assert.Contains(t, tc.audioGraph().Agents(), "architect", "still fading")

	require.Eventually(t, func() bool { return architect.isClosed() }, waitFor, 5*time.Millisecond)
	tc.eventually(t, func(s Snapshot) bool { return len(s.Collaborators) == 0 }, "architect removed")
	assert.Equal(t, []string{"oracle"}, tc.audioGraph().Agents())
}

func TestTerminateAll_IsBestEffort(t *testing.T) {
	tc := newTestCluster(t)
	host := tc.start(t)
	ledger := tc.summon(t, host, "c1", "ledger")
	muse := tc.summon(t, host, "c2", "muse")
	ledger.closeErr = errors.New("socket stuck")

	err := tc.orch.TerminateAll(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "socket stuck")

	assert.True(t, host.isClosed())
	assert.True(t, ledger.isClosed())
	assert.True(t, muse.isClosed())
	assert.True(t, tc.mic.closed)
	assert.Empty(t, tc.audioGraph().Agents())

	snap := tc.snapshot(t)
	assert.Equal(t, StateIdle, snap.State)
	assert.Empty(t, snap.Collaborators)
	require.NoError(t, tc.orch.TerminateAll(context.Background()))
	require.ErrorIs(t, tc.orch.Summon(context.Background(), "ledger"), ErrNotConnected)
}

func TestHostRemoteCloseTerminatesCluster(t *testing.T) {
	tc := newTestCluster(t)
	host := tc.start(t)
	tc.summon(t, host, "c1", "architect")

	host.hangup <- errors.New("websocket: close 1011")
	tc.eventually(t, func(s Snapshot) bool { return s.State == StateIdle }, "cluster goes idle")
	tc.waitEvent(t, func(ev Event) bool { return ev.Type == EventError && ev.AgentID == "oracle" })
}

func TestCollaboratorRemoteCloseIsIsolated(t *testing.T) {
	tc := newTestCluster(t)
	host := tc.start(t)
	muse := tc.summon(t, host, "c1", "muse")

	muse.hangup <- errors.New("websocket: close 1006")
	tc.waitEvent(t, func(ev Event) bool { return ev.Type == EventAgentLeft && ev.AgentID == "muse" })
	snap := tc.snapshot(t)
	assert.Equal(t, StateConnected, snap.State)
	assert.Empty(t, snap.Collaborators)
	assert.Equal(t, []string{"oracle"}, tc.audioGraph().Agents())

	host.call("c2", ToolSummonAgent, map[string]any{"agentId": "muse", "reason": "again"})
	require.Eventually(t, func() bool { return tc.connector.count("muse") == 2 }, waitFor, 5*time.Millisecond)
	tc.connector.conn(t, "muse").ready()
	assert.Equal(t, map[string]any{"result": "Muse joined."}, host.toolResponse(t, "c2"))
	tc.eventually(t, func(s Snapshot) bool { return len(s.Collaborators) == 1 }, "muse back")
}

func TestRelayTranscripts(t *testing.T) {
	tc := newTestCluster(t, func(d *Dependencies) { d.Config.RelayTranscripts = true })
	host := tc.start(t)
	architect := tc.summon(t, host, "c1", "architect")

	architect.say("Use a queue.")
	architect.turnComplete()
	require.Eventually(t, func() bool {
		host.mu.Lock()
		defer host.mu.Unlock()
		return len(host.texts) == 1 && host.texts[0] == "[Architect]: Use a queue."
	}, waitFor, 5*time.Millisecond)
	architect.mu.Lock()
	defer architect.mu.Unlock()
	assert.Empty(t, architect.texts)
}

func TestToolDeclarations(t *testing.T) {
	decls := ToolDeclarations([]string{"oracle", "muse"})
	names := make([]string, 0, len(decls))
	for _, d := range decls {
		names = append(names, d.Name)
	}
	assert.Equal(t, []string{ToolSummonAgent, ToolDismissAgent, ToolSearchKnowledge, ToolRaiseSignal}, names)
	assert.Equal(t, []string{"agentId", "reason"}, decls[0].Parameters.Required)
	assert.Contains(t, decls[0].Parameters.Properties["agentId"].Description, "oracle, muse")
}

func TestIntArg(t *testing.T) {
	args := map[string]any{"f": float64(3), "s": "7", "neg": float64(-1), "junk": "x"}
	assert.Equal(t, 3, intArg(args, "f", 5))
	assert.Equal(t, 7, intArg(args, "s", 5))
	assert.Equal(t, 5, intArg(args, "neg", 5))
	assert.Equal(t, 5, intArg(args, "junk", 5))
	assert.Equal(t, 5, intArg(args, "missing", 5))
}
