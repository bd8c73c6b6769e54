package audio

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeMic struct {
	mu     sync.Mutex
	starts int
	closed bool
	err    error
	frames chan []byte
}

func (m *fakeMic) Start(ctx context.Context) (<-chan []byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.starts++
	if m.err != nil {
		return nil, m.err
	}
	if m.frames == nil {
		m.frames = make(chan []byte)
	}
	return m.frames, nil
}

func (m *fakeMic) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

type fakeSpeaker struct {
	mu     sync.Mutex
	writes [][]byte
	closed bool
}

func (s *fakeSpeaker) Write(p []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes = append(s.writes, append([]byte(nil), p...))
	return nil
}

func (s *fakeSpeaker) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSpeaker) bytesWritten() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, w := range s.writes {
		n += len(w)
	}
	return n
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type sinkRecorder struct {
	mu     sync.Mutex
	frames [][]byte
}

func (r *sinkRecorder) sink(frame []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, frame)
}

func (r *sinkRecorder) last(t *testing.T) []int16 {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	require.NotEmpty(t, r.frames)
	samples, err := DecodePCM16(r.frames[len(r.frames)-1])
	require.NoError(t, err)
	return samples
}

func newTestGraph(t *testing.T) (*Graph, *fakeMic, *fakeSpeaker, *fakeClock) {
	t.Helper()
	mic := &fakeMic{}
	spk := &fakeSpeaker{}
	clk := &fakeClock{now: time.Unix(1700000000, 0)}
	g := NewGraph(Dependencies{
		Microphone: mic,
		Speaker:    spk,
		Now:        clk.Now,
		Config: Config{
			FrameSamples:   160,
			RenderInterval: time.Hour,
		},
	})
	require.NoError(t, g.Initialize(context.Background()))
	t.Cleanup(func() { _ = g.Shutdown() })
	return g, mic, spk, clk
}

func tone(n int, v int16) []int16 {
	out := make([]int16, n)
	for i := range out {
		out[i] = v
	}
	return out
}

func TestGraph_InitializeRequiresDevices(t *testing.T) {
	g := NewGraph(Dependencies{Speaker: &fakeSpeaker{}})
	err := g.Initialize(context.Background())
	require.ErrorIs(t, err, ErrDeviceUnavailable)

	denied := &fakeMic{err: errors.New("permission denied")}
	g = NewGraph(Dependencies{Microphone: denied, Speaker: &fakeSpeaker{}})
	err = g.Initialize(context.Background())
	require.ErrorIs(t, err, ErrDeviceUnavailable)
	assert.Contains(t, err.Error(), "permission denied")

	require.ErrorIs(t, g.CreateAgentNodes("a", nil), ErrNotInitialized)
}

func TestGraph_InitializeTwiceIsNoop(t *testing.T) {
	g, mic, _, _ := newTestGraph(t)
	require.NoError(t, g.Initialize(context.Background()))
	mic.mu.Lock()
	defer mic.mu.Unlock()
	assert.Equal(t, 1, mic.starts)
}

func TestGraph_NoSelfFeedbackAcrossMembershipChanges(t *testing.T) {
	g, _, _, _ := newTestGraph(t)

	assertNoSelf := func() {
		for _, id := range g.Agents() {
			assert.NotContains(t, g.MixerInputs(id), id, "agent %s hears itself", id)
			assert.Equal(t, MicNodeID, g.MixerInputs(id)[0])
		}
	}

	require.NoError(t, g.CreateAgentNodes("a", nil))
	assert.Equal(t, []string{MicNodeID}, g.MixerInputs("a"))
	require.NoError(t, g.CreateAgentNodes("b", nil))
	require.NoError(t, g.CreateAgentNodes("c", nil))
	assertNoSelf()
	assert.Equal(t, []string{MicNodeID, "b", "c"}, g.MixerInputs("a"))
	assert.Equal(t, []string{MicNodeID, "a", "c"}, g.MixerInputs("b"))

	require.NoError(t, g.TeardownAgentNodes("b"))
	assertNoSelf()
	assert.Equal(t, []string{MicNodeID, "c"}, g.MixerInputs("a"))
	assert.Equal(t, []string{MicNodeID, "a"}, g.MixerInputs("c"))
	assert.Nil(t, g.MixerInputs("b"))

	require.NoError(t, g.CreateAgentNodes("b", nil))
	assertNoSelf()
	assert.Equal(t, []string{MicNodeID, "a", "c"}, g.MixerInputs("b"))

	require.ErrorIs(t, g.CreateAgentNodes("a", nil), ErrNodesExist)
	require.ErrorIs(t, g.TeardownAgentNodes("zzz"), ErrUnknownAgent)
}

func TestGraph_SingleFocus(t *testing.T) {
	g, _, _, _ := newTestGraph(t)
	require.NoError(t, g.CreateAgentNodes("x", nil))
	require.NoError(t, g.CreateAgentNodes("y", nil))

	assert.Empty(t, g.MasterInputs())
	require.NoError(t, g.SetFocus("x"))
	require.NoError(t, g.SetFocus("y"))
	assert.Equal(t, []string{"y"}, g.MasterInputs())

	require.ErrorIs(t, g.SetFocus("ghost"), ErrUnknownAgent)
	assert.Equal(t, []string{"y"}, g.MasterInputs())

	require.NoError(t, g.TeardownAgentNodes("y"))
	assert.Empty(t, g.MasterInputs())

	require.NoError(t, g.SetFocus("x"))
	require.NoError(t, g.SetFocus(""))
	assert.Empty(t, g.MasterInputs())
}

func TestGraph_OnlyFocusedAgentReachesSpeaker(t *testing.T) {
	g, _, spk, clk := newTestGraph(t)
	require.NoError(t, g.CreateAgentNodes("host", nil))
	require.NoError(t, g.CreateAgentNodes("peer", nil))
	require.NoError(t, g.SetFocus("host"))

	_, err := g.Schedule("peer", tone(2400, 1000))
	require.NoError(t, err)
	clk.Advance(100 * time.Millisecond)
	g.renderOnce()
	assert.Zero(t, spk.bytesWritten())
	assert.Greater(t, g.AgentLevel("peer"), 0.0)

	require.NoError(t, g.SetFocus("peer"))
	_, err = g.Schedule("peer", tone(2400, 1000))
	require.NoError(t, err)
	clk.Advance(100 * time.Millisecond)
	g.renderOnce()
	assert.Equal(t, 2400*2, spk.bytesWritten())
	assert.Greater(t, g.Level(LevelOutput), 0.0)
}

func TestGraph_PeersHearEachOtherButNotThemselves(t *testing.T) {
	g, _, _, clk := newTestGraph(t)
	var hostIn, peerIn sinkRecorder
	require.NoError(t, g.CreateAgentNodes("host", hostIn.sink))
	require.NoError(t, g.CreateAgentNodes("peer", peerIn.sink))

	_, err := g.Schedule("peer", tone(240, 2000)) // 10ms at 24 kHz
	require.NoError(t, err)
	clk.Advance(10 * time.Millisecond)
	g.renderOnce()

	g.pushMic(EncodePCM16(tone(160, 100)))

	host := hostIn.last(t)
	require.Len(t, host, 160)
	assert.Equal(t, int16(2100), host[0], "host mixer = mic + peer")

	peer := peerIn.last(t)
	assert.Equal(t, int16(100), peer[0], "peer mixer = mic only")
	assert.Greater(t, g.Level(LevelInput), 0.0)
}

func TestGraph_MicFramesAreFixedSize(t *testing.T) {
	g, _, _, _ := newTestGraph(t)
	var rec sinkRecorder
	require.NoError(t, g.CreateAgentNodes("a", rec.sink))

	g.pushMic(EncodePCM16(tone(100, 1)))
	rec.mu.Lock()
	assert.Empty(t, rec.frames)
	rec.mu.Unlock()

	g.pushMic(EncodePCM16(tone(250, 1)))
	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.frames, 2)
	for _, f := range rec.frames {
		assert.Len(t, f, 160*2)
	}
}

func TestGraph_InterruptAndIdleCallback(t *testing.T) {
	mic := &fakeMic{}
	clk := &fakeClock{now: time.Unix(0, 0)}
	var mu sync.Mutex
	var idle []string
	g := NewGraph(Dependencies{
		Microphone: mic,
		Speaker:    &fakeSpeaker{},
		Now:        clk.Now,
		Config:     Config{RenderInterval: time.Hour},
		OnPlaybackIdle: func(id string) {
			mu.Lock()
			defer mu.Unlock()
			idle = append(idle, id)
		},
	})
	require.NoError(t, g.Initialize(context.Background()))
	defer g.Shutdown()
	require.NoError(t, g.CreateAgentNodes("a", nil))

	for i := 0; i < 3; i++ {
		_, err := g.Schedule("a", tone(2400, 1))
		require.NoError(t, err)
	}
	assert.Equal(t, 300*time.Millisecond, g.Cursor("a"))
	assert.Equal(t, 3, g.Interrupt("a"))
	assert.Zero(t, g.Cursor("a"))

	clk.Advance(50 * time.Millisecond)
	sched, err := g.Schedule("a", tone(2400, 1))
	require.NoError(t, err)
	assert.Equal(t, 50*time.Millisecond, sched.Start)

	clk.Advance(200 * time.Millisecond)
	g.renderOnce()
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"a"}, idle)
}

func TestGraph_FadeOutRampsToSilence(t *testing.T) {
	g, _, spk, clk := newTestGraph(t)
	require.NoError(t, g.CreateAgentNodes("a", nil))
	require.NoError(t, g.SetFocus("a"))
	require.NoError(t, g.FadeOut("a", 100*time.Millisecond))

	_, err := g.Schedule("a", tone(24000, 1000))
	require.NoError(t, err)
	clk.Advance(200 * time.Millisecond)
	g.renderOnce()
	clk.Advance(100 * time.Millisecond)
	g.renderOnce()

	spk.mu.Lock()
	defer spk.mu.Unlock()
	require.Len(t, spk.writes, 2)
	last, err := DecodePCM16(spk.writes[1])
	require.NoError(t, err)
	assert.Equal(t, int16(0), last[0])
}

func TestGraph_ShutdownReleasesDevices(t *testing.T) {
	g, mic, spk, _ := newTestGraph(t)
	require.NoError(t, g.CreateAgentNodes("a", nil))
	require.NoError(t, g.Shutdown())
	require.NoError(t, g.Shutdown())

	assert.True(t, mic.closed)
	assert.True(t, spk.closed)
	assert.Empty(t, g.Agents())
	_, err := g.Schedule("a", tone(10, 1))
	require.ErrorIs(t, err, ErrUnknownAgent)
}
