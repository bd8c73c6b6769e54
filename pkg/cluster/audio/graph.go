// Package audio is the software audio graph behind a cluster: one shared
// microphone fanned out to per-agent input mixers, per-agent output nodes with
// gap-free playback scheduling, and a master bus that carries exactly one
// agent (the focused one) to the speaker.
//
// Every input mixer hears the microphone plus the output of every other live
// agent, never its own. Membership changes rewire in O(live agents); the full
// mesh is meant for a handful of agents.
package audio

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// MicNodeID names the shared microphone in MixerInputs.
const MicNodeID = "mic"

var (
	ErrNotInitialized = errors.New("audio graph not initialized")
	ErrUnknownAgent   = errors.New("no audio nodes for agent")
	ErrNodesExist     = errors.New("audio nodes already exist for agent")
)

type Config struct {
	FrameSamples   int
	InputRate      int
	OutputRate     int
	RenderInterval time.Duration
	// MaxPeerBacklog bounds peer audio waiting in a mixer for the next mic
	// frame, in input samples.
	MaxPeerBacklog int
}

type Dependencies struct {
	Microphone Microphone
	Speaker    Speaker
	Logger     zerolog.Logger
	Config     Config
	Now        func() time.Time
	// OnPlaybackIdle fires, off the graph lock, when an agent's last
	// scheduled source finishes playing.
	OnPlaybackIdle func(agentID string)
}

// Scheduled describes where a chunk landed on the audio clock.
type Scheduled struct {
	Start    time.Duration
	Duration time.Duration
	InFlight int
}

type outputNode struct {
	id    string
	sched *Scheduler
	level Analyser

	gain       float64
	rampFrom   float64
	rampStart  time.Duration
	rampLength time.Duration
	ramping    bool

	// listeners are the agents whose input mixer this output feeds.
	listeners map[string]struct{}
}

type inputMixer struct {
	id      string
	sink    FrameSink
	sources map[string]struct{}
	backlog []int16
}

type Graph struct {
	mic     Microphone
	speaker Speaker
	logger  zerolog.Logger
	cfg     Config
	now     func() time.Time
	onIdle  func(string)

	mu          sync.Mutex
	initialized bool
	start       time.Time
	rendered    time.Duration
	outputs     map[string]*outputNode
	inputs      map[string]*inputMixer
	master      string
	micPending  []int16

	masterLevel Analyser
	micLevel    Analyser

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewGraph(deps Dependencies) *Graph {
	if deps.Config.FrameSamples <= 0 {
		deps.Config.FrameSamples = FrameSamples
	}
	if deps.Config.InputRate <= 0 {
		deps.Config.InputRate = InputSampleRate
	}
	if deps.Config.OutputRate <= 0 {
		deps.Config.OutputRate = OutputSampleRate
	}
	if deps.Config.RenderInterval <= 0 {
		deps.Config.RenderInterval = 20 * time.Millisecond
	}
	if deps.Config.MaxPeerBacklog <= 0 {
		deps.Config.MaxPeerBacklog = 2 * deps.Config.FrameSamples
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Graph{
		mic:     deps.Microphone,
		speaker: deps.Speaker,
		logger:  deps.Logger.With().Str("component", "audio_graph").Logger(),
		cfg:     deps.Config,
		now:     deps.Now,
		onIdle:  deps.OnPlaybackIdle,
		outputs: make(map[string]*outputNode),
		inputs:  make(map[string]*inputMixer),
	}
}

// Initialize acquires the microphone and speaker and starts the capture and
// render loops. A second call while initialized is a no-op.
func (g *Graph) Initialize(ctx context.Context) error {
	g.mu.Lock()
	if g.initialized {
		g.mu.Unlock()
		return nil
	}
	g.mu.Unlock()

	if g.mic == nil {
		return fmt.Errorf("%w: no microphone configured", ErrDeviceUnavailable)
	}
	if g.speaker == nil {
		return fmt.Errorf("%w: no speaker configured", ErrDeviceUnavailable)
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	// The capture outlives the caller's ctx; Shutdown ends it.
	runCtx, cancel := context.WithCancel(context.Background())
	frames, err := g.mic.Start(runCtx)
	if err != nil {
		cancel()
		if errors.Is(err, ErrDeviceUnavailable) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}

	g.mu.Lock()
	g.initialized = true
	g.start = g.now()
	g.rendered = 0
	g.micPending = g.micPending[:0]
	g.masterLevel.Reset()
	g.micLevel.Reset()
	g.cancel = cancel
	g.mu.Unlock()

	g.wg.Add(2)
	go g.captureLoop(runCtx, frames)
	go g.renderLoop(runCtx)
	g.logger.Info().Int("frame_samples", g.cfg.FrameSamples).Msg("audio graph initialized")
	return nil
}

// Clock is the audio clock: time since Initialize.
func (g *Graph) Clock() time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.clockLocked()
}

func (g *Graph) clockLocked() time.Duration {
	if !g.initialized {
		return 0
	}
	return g.now().Sub(g.start)
}

// CreateAgentNodes allocates an output node (off master) and an input mixer
// (on the microphone) for agentID and cross-wires it with every other live
// agent.
func (g *Graph) CreateAgentNodes(agentID string, sink FrameSink) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.initialized {
		return ErrNotInitialized
	}
	if _, ok := g.outputs[agentID]; ok {
		return fmt.Errorf("%w: %s", ErrNodesExist, agentID)
	}

	out := &outputNode{
		id:        agentID,
		sched:     NewScheduler(g.cfg.OutputRate),
		gain:      1,
		listeners: make(map[string]struct{}, len(g.inputs)),
	}
	in := &inputMixer{
		id:      agentID,
		sink:    sink,
		sources: make(map[string]struct{}, len(g.outputs)),
	}
	for peerID, peerOut := range g.outputs {
		in.sources[peerID] = struct{}{}
		peerOut.listeners[agentID] = struct{}{}
	}
	for peerID, peerIn := range g.inputs {
		out.listeners[peerID] = struct{}{}
		peerIn.sources[agentID] = struct{}{}
	}
	g.outputs[agentID] = out
	g.inputs[agentID] = in
	g.logger.Debug().Str("agent_id", agentID).Int("peers", len(in.sources)).Msg("agent nodes created")
	return nil
}

// SetFocus routes agentID's output to master and detaches the previous one
// in the same critical section, so the render loop never sees two. An empty
// id leaves master silent.
func (g *Graph) SetFocus(agentID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if agentID != "" {
		if _, ok := g.outputs[agentID]; !ok {
			return fmt.Errorf("%w: %s", ErrUnknownAgent, agentID)
		}
	}
	g.master = agentID
	return nil
}

func (g *Graph) Focused() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.master
}

// TeardownAgentNodes discards agentID's nodes and unlinks them from every
// other mixer. Other agents and the shared mic/master are untouched.
func (g *Graph) TeardownAgentNodes(agentID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	out, ok := g.outputs[agentID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAgent, agentID)
	}
	out.sched.Interrupt()
	for listenerID := range out.listeners {
		if in := g.inputs[listenerID]; in != nil {
			delete(in.sources, agentID)
		}
	}
	if in := g.inputs[agentID]; in != nil {
		for sourceID := range in.sources {
			if peer := g.outputs[sourceID]; peer != nil {
				delete(peer.listeners, agentID)
			}
		}
	}
	delete(g.outputs, agentID)
	delete(g.inputs, agentID)
	if g.master == agentID {
		g.master = ""
	}
	return nil
}

// Schedule queues decoded OutputRate samples on agentID's output node.
func (g *Graph) Schedule(agentID string, samples []int16) (Scheduled, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	out, ok := g.outputs[agentID]
	if !ok {
		return Scheduled{}, fmt.Errorf("%w: %s", ErrUnknownAgent, agentID)
	}
	src := out.sched.Schedule(samples, g.clockLocked())
	return Scheduled{Start: src.Start, Duration: src.Duration, InFlight: out.sched.InFlight()}, nil
}

// Interrupt stops agentID's in-flight sources and resets its cursor.
func (g *Graph) Interrupt(agentID string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	out, ok := g.outputs[agentID]
	if !ok {
		return 0
	}
	return out.sched.Interrupt()
}

// Cursor reports agentID's next playback start.
func (g *Graph) Cursor(agentID string) time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	if out, ok := g.outputs[agentID]; ok {
		return out.sched.Cursor()
	}
	return 0
}

// FadeOut ramps agentID's output gain to zero over d.
func (g *Graph) FadeOut(agentID string, d time.Duration) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	out, ok := g.outputs[agentID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAgent, agentID)
	}
	if d <= 0 {
		out.gain = 0
		out.ramping = false
		return nil
	}
	out.rampFrom = out.gain
	out.rampStart = g.clockLocked()
	out.rampLength = d
	out.ramping = true
	return nil
}

// MixerInputs lists what feeds agentID's input mixer, microphone first.
func (g *Graph) MixerInputs(agentID string) []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	in, ok := g.inputs[agentID]
	if !ok {
		return nil
	}
	peers := make([]string, 0, len(in.sources))
	for id := range in.sources {
		peers = append(peers, id)
	}
	sort.Strings(peers)
	return append([]string{MicNodeID}, peers...)
}

// MasterInputs lists the outputs connected to master; at most one.
func (g *Graph) MasterInputs() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.master == "" {
		return nil
	}
	return []string{g.master}
}

func (g *Graph) Agents() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	ids := make([]string, 0, len(g.outputs))
	for id := range g.outputs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Level returns the presentation level of the mic path or the master bus.
func (g *Graph) Level(kind LevelKind) float64 {
	if kind == LevelInput {
		return g.micLevel.Level(LevelInput)
	}
	return g.masterLevel.Level(LevelOutput)
}

// AgentLevel returns the output level of one agent regardless of focus.
func (g *Graph) AgentLevel(agentID string) float64 {
	g.mu.Lock()
	out, ok := g.outputs[agentID]
	g.mu.Unlock()
	if !ok {
		return 0
	}
	return out.level.Level(LevelOutput)
}

// Shutdown stops capture and rendering, releases the devices and drops every
// node. Safe to call more than once.
func (g *Graph) Shutdown() error {
	g.mu.Lock()
	if !g.initialized {
		g.mu.Unlock()
		return nil
	}
	g.initialized = false
	cancel := g.cancel
	g.cancel = nil
	for _, out := range g.outputs {
		out.sched.Interrupt()
	}
	g.outputs = make(map[string]*outputNode)
	g.inputs = make(map[string]*inputMixer)
	g.master = ""
	g.micPending = nil
	g.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	var errs []error
	if err := g.mic.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close microphone: %w", err))
	}
	if err := g.speaker.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close speaker: %w", err))
	}
	g.wg.Wait()
	g.logger.Info().Msg("audio graph shut down")
	return errors.Join(errs...)
}

func (g *Graph) captureLoop(ctx context.Context, frames <-chan []byte) {
	defer g.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case chunk, ok := <-frames:
			if !ok {
				g.logger.Warn().Msg("microphone stream ended")
				return
			}
			g.pushMic(chunk)
		}
	}
}

type frameDelivery struct {
	sink  FrameSink
	frame []byte
}

// pushMic accumulates mic audio and, for every full frame, mixes it with each
// mixer's peer backlog and hands the result to that agent's sink.
func (g *Graph) pushMic(chunk []byte) {
	if len(chunk) < 2 {
		return
	}
	samples := make([]int16, len(chunk)/2)
	for i := range samples {
		samples[i] = int16(chunk[2*i]) | int16(chunk[2*i+1])<<8
	}
	g.micLevel.Write(samples)

	var deliveries []frameDelivery
	g.mu.Lock()
	if !g.initialized {
		g.mu.Unlock()
		return
	}
	g.micPending = append(g.micPending, samples...)
	n := g.cfg.FrameSamples
	for len(g.micPending) >= n {
		frame := g.micPending[:n]
		for _, in := range g.inputs {
			if in.sink == nil {
				continue
			}
			mixed := make([]int16, n)
			copy(mixed, frame)
			take := min(len(in.backlog), n)
			MixInto(mixed[:take], in.backlog[:take])
			in.backlog = append(in.backlog[:0], in.backlog[take:]...)
			deliveries = append(deliveries, frameDelivery{sink: in.sink, frame: EncodePCM16(mixed)})
		}
		g.micPending = append(g.micPending[:0], g.micPending[n:]...)
	}
	g.mu.Unlock()

	for _, d := range deliveries {
		d.sink(d.frame)
	}
}

func (g *Graph) renderLoop(ctx context.Context) {
	defer g.wg.Done()
	ticker := time.NewTicker(g.cfg.RenderInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.renderOnce()
		}
	}
}

// renderOnce advances the graph from the last rendered instant to the audio
// clock: master output goes to the speaker, every output feeds its listeners'
// mixers, and drained agents are reported idle.
func (g *Graph) renderOnce() {
	var (
		masterPCM []byte
		idle      []string
	)
	g.mu.Lock()
	if !g.initialized {
		g.mu.Unlock()
		return
	}
	from := g.rendered
	to := g.clockLocked()
	if to <= from {
		g.mu.Unlock()
		return
	}
	g.rendered = to
	peerMix := make(map[string][]int16, len(g.inputs))
	for id, out := range g.outputs {
		gain := out.gainAt(from + (to-from)/2)
		rendered, active, drained := out.sched.Render(from, to, gain)
		if drained {
			idle = append(idle, id)
		}
		if !active {
			continue
		}
		out.level.Write(rendered)
		if id == g.master {
			g.masterLevel.Write(rendered)
			masterPCM = EncodePCM16(rendered)
		}
		if len(out.listeners) == 0 {
			continue
		}
		peerAudio := Resample(rendered, g.cfg.OutputRate, g.cfg.InputRate)
		for listenerID := range out.listeners {
			mix, ok := peerMix[listenerID]
			if !ok {
				mix = make([]int16, len(peerAudio))
				peerMix[listenerID] = mix
			}
			MixInto(mix, peerAudio)
		}
	}
	for listenerID, mix := range peerMix {
		if in := g.inputs[listenerID]; in != nil {
			in.appendBacklog(mix, g.cfg.MaxPeerBacklog)
		}
	}
	g.mu.Unlock()

	if len(masterPCM) > 0 {
		if err := g.speaker.Write(masterPCM); err != nil {
			g.logger.Warn().Err(err).Msg("speaker write failed")
		}
	}
	if g.onIdle != nil {
		sort.Strings(idle)
		for _, id := range idle {
			g.onIdle(id)
		}
	}
}

func (o *outputNode) gainAt(t time.Duration) float64 {
	if !o.ramping {
		return o.gain
	}
	elapsed := t - o.rampStart
	if elapsed >= o.rampLength {
		o.gain = 0
		o.ramping = false
		return 0
	}
	if elapsed < 0 {
		elapsed = 0
	}
	o.gain = o.rampFrom * (1 - float64(elapsed)/float64(o.rampLength))
	return o.gain
}

// appendBacklog queues one render window of summed peer audio, keeping only
// the newest limit samples.
func (in *inputMixer) appendBacklog(samples []int16, limit int) {
	in.backlog = append(in.backlog, samples...)
	if len(in.backlog) > limit {
		in.backlog = append(in.backlog[:0], in.backlog[len(in.backlog)-limit:]...)
	}
}
