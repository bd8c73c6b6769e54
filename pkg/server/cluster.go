package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/vango-go/vai-cluster/pkg/cluster"
	"github.com/vango-go/vai-cluster/pkg/cluster/audio"
)

func (s *Server) serveCluster(w http.ResponseWriter, r *http.Request) {
	reqID, _ := RequestIDFrom(r.Context())
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed", reqID)
		return
	}
	if s.draining.Load() {
		writeJSONError(w, http.StatusServiceUnavailable, "draining", "server is draining", reqID)
		return
	}
	if !s.originAllowed(r) {
		writeJSONError(w, http.StatusForbidden, "forbidden", "origin is not allowed", reqID)
		return
	}

	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer ws.Close()
	ws.SetReadLimit(s.cfg.MaxMessageBytes)

	c, err := s.newClusterConn(ws, reqID)
	if err != nil {
		s.logger.Error().Err(err).Str("request_id", reqID).Msg("cluster connection setup")
		_ = ws.WriteJSON(ErrorMessage{Type: "error", Code: "internal", Message: "failed to initialize cluster"})
		return
	}
	unregister := s.tracker.Register(c.id, Handle{Cancel: c.cancel, Warn: c.warn})
	defer unregister()

	c.logger.Info().Msg("cluster connection opened")
	if err := c.run(); err != nil {
		c.logger.Warn().Err(err).Msg("cluster connection ended with error")
		return
	}
	c.logger.Info().Msg("cluster connection closed")
}

// clusterConn is one browser tab: a WebSocket, its devices and its cluster.
type clusterConn struct {
	id     string
	s      *Server
	ws     *websocket.Conn
	logger zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	priority chan outboundFrame
	normal   chan outboundFrame

	mic     *wsMicrophone
	speaker *wsSpeaker
	orch    *cluster.Orchestrator
}

func (s *Server) newClusterConn(ws *websocket.Conn, reqID string) (*clusterConn, error) {
	ctx, cancel := context.WithCancel(context.Background())
	c := &clusterConn{
		id:       "c_" + uuid.NewString(),
		s:        s,
		ws:       ws,
		ctx:      ctx,
		cancel:   cancel,
		priority: make(chan outboundFrame, s.cfg.OutboundQueueSize),
		normal:   make(chan outboundFrame, s.cfg.OutboundQueueSize),
		mic:      newWSMicrophone(s.cfg.MicQueueSize),
	}
	c.logger = s.logger.With().Str("conn_id", c.id).Str("request_id", reqID).Logger()
	c.speaker = &wsSpeaker{send: c.trySend}

	orch, err := cluster.New(cluster.Dependencies{
		Catalog: s.deps.Catalog,
		NewGraph: func(onIdle func(string)) cluster.Graph {
			return audio.NewGraph(audio.Dependencies{
				Microphone:     c.mic,
				Speaker:        c.speaker,
				Logger:         c.logger,
				Config:         s.deps.Audio,
				OnPlaybackIdle: onIdle,
			})
		},
		Connector: s.deps.Connector,
		Store:     s.deps.Store,
		Searcher:  s.deps.Searcher,
		Logger:    c.logger,
		Config:    s.deps.Cluster,
	})
	if err != nil {
		cancel()
		return nil, err
	}
	c.orch = orch
	return c, nil
}

// run blocks until the browser goes away, a write fails or the server
// cancels the connection. The cluster is terminated on the way out.
func (c *clusterConn) run() error {
	defer c.cancel()
	g, ctx := errgroup.WithContext(c.ctx)

	writer := &outboundWriter{
		ws:           c.ws,
		ctx:          ctx,
		pingInterval: c.s.cfg.PingInterval,
		writeTimeout: c.s.cfg.WriteTimeout,
		priority:     c.priority,
		normal:       c.normal,
	}
	g.Go(writer.Run)
	g.Go(func() error { return c.orch.Run(ctx) })
	g.Go(func() error { return c.pumpEvents(ctx) })
	g.Go(func() error { return c.pumpLevels(ctx) })
	g.Go(func() error { return c.readLoop(ctx) })

	err := g.Wait()
	if err == nil || errors.Is(err, context.Canceled) ||
		websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
		return nil
	}
	return err
}

func (c *clusterConn) readLoop(ctx context.Context) error {
	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		switch msgType {
		case websocket.BinaryMessage:
			c.mic.push(data)
		case websocket.TextMessage:
			cmd, err := DecodeCommand(data)
			if err != nil {
				c.sendError(ctx, "", "bad_request", err.Error())
				continue
			}
			c.exec(ctx, cmd)
		}
	}
}

// exec runs one UI command. start waits for the host to connect, so it
// runs off the read loop; the rest are quick event-loop calls.
func (c *clusterConn) exec(ctx context.Context, cmd Command) {
	log := c.logger.With().Str("command", cmd.Type).Str("agent_id", cmd.AgentID).Logger()
	log.Debug().Msg("ui command")

	if cmd.Type == CommandStart {
		host := cmd.HostAgent
		if host == "" {
			host = c.s.deps.Catalog.Lead().ID
		}
		go func() {
			if err := c.orch.StartCluster(ctx, host, cmd.Personalities); err != nil && ctx.Err() == nil {
				log.Warn().Err(err).Str("host", host).Msg("cluster start failed")
				c.sendError(ctx, cmd.Type, errorCode(err), err.Error())
			}
		}()
		return
	}

	cmdCtx, cancel := context.WithTimeout(ctx, c.s.cfg.CommandTimeout)
	defer cancel()
	var err error
	switch cmd.Type {
	case CommandSummon:
		err = c.orch.Summon(cmdCtx, cmd.AgentID)
	case CommandRemove:
		err = c.orch.RemoveAgent(cmdCtx, cmd.AgentID)
	case CommandFocus:
		err = c.orch.Focus(cmdCtx, cmd.AgentID)
	case CommandTerminate:
		err = c.orch.TerminateAll(cmdCtx)
	}
	if err != nil && ctx.Err() == nil {
		log.Warn().Err(err).Msg("ui command failed")
		c.sendError(ctx, cmd.Type, errorCode(err), err.Error())
	}
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, cluster.ErrNotIdle):
		return "already_running"
	case errors.Is(err, cluster.ErrNotConnected):
		return "not_connected"
	case errors.Is(err, cluster.ErrUnknownAgent):
		return "unknown_agent"
	case errors.Is(err, cluster.ErrHostRemoval):
		return "forbidden"
	case errors.Is(err, audio.ErrDeviceUnavailable):
		return "device_unavailable"
	case errors.Is(err, cluster.ErrTerminated):
		return "terminated"
	default:
		return "internal"
	}
}

func (c *clusterConn) pumpEvents(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-c.orch.Events():
			data, err := json.Marshal(ev)
			if err != nil {
				c.logger.Warn().Err(err).Str("type", string(ev.Type)).Msg("encode event")
				continue
			}
			select {
			case c.priority <- outboundFrame{text: data}:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

// pumpLevels publishes meter levels while they move and once more when they
// fall to zero.
func (c *clusterConn) pumpLevels(ctx context.Context) error {
	ticker := time.NewTicker(c.s.cfg.LevelInterval)
	defer ticker.Stop()
	var lastIn, lastOut float64
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			in, out := c.orch.Levels()
			if in == lastIn && out == lastOut {
				continue
			}
			lastIn, lastOut = in, out
			data, err := json.Marshal(LevelsMessage{Type: "levels", Input: in, Output: out})
			if err != nil {
				continue
			}
			c.trySend(outboundFrame{text: data})
		}
	}
}

// trySend queues a normal-priority frame, dropping it when the client is
// behind.
func (c *clusterConn) trySend(f outboundFrame) bool {
	select {
	case c.normal <- f:
		return true
	default:
		return false
	}
}

func (c *clusterConn) sendError(ctx context.Context, command, code, message string) {
	data, err := json.Marshal(ErrorMessage{Type: "error", Command: command, Code: code, Message: message})
	if err != nil {
		return
	}
	select {
	case c.priority <- outboundFrame{text: data}:
	case <-ctx.Done():
	}
}

func (c *clusterConn) warn(code, message string) error {
	data, err := json.Marshal(WarningMessage{Type: "warning", Code: code, Message: message})
	if err != nil {
		return err
	}
	select {
	case c.priority <- outboundFrame{text: data}:
		return nil
	default:
		return errors.New("outbound queue full")
	}
}
