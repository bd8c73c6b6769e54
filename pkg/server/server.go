// Package server exposes clusters to a browser UI shell over HTTP and
// WebSocket. Each WebSocket connection owns exactly one cluster.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/vango-go/vai-cluster/pkg/cluster"
	"github.com/vango-go/vai-cluster/pkg/cluster/agent"
	"github.com/vango-go/vai-cluster/pkg/cluster/audio"
	"github.com/vango-go/vai-cluster/pkg/cluster/catalog"
)

type Config struct {
	PingInterval      time.Duration
	WriteTimeout      time.Duration
	LevelInterval     time.Duration
	CommandTimeout    time.Duration
	OutboundQueueSize int
	MicQueueSize      int
	MaxMessageBytes   int64
	// AllowedOrigins empty allows any origin.
	AllowedOrigins []string
}

type Dependencies struct {
	Catalog   *catalog.Catalog
	Connector agent.Connector
	// Store and Searcher are optional; leave them nil, not typed-nil.
	Store    cluster.Store
	Searcher cluster.Searcher
	Logger   zerolog.Logger
	Config   Config
	Cluster  cluster.Config
	Audio    audio.Config
}

type Server struct {
	deps     Dependencies
	cfg      Config
	logger   zerolog.Logger
	mux      *http.ServeMux
	tracker  *Tracker
	draining atomic.Bool
}

func New(deps Dependencies) (*Server, error) {
	if deps.Catalog == nil {
		return nil, errors.New("catalog is required")
	}
	if deps.Connector == nil {
		return nil, errors.New("connector is required")
	}
	cfg := deps.Config
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 20 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.LevelInterval <= 0 {
		cfg.LevelInterval = 100 * time.Millisecond
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = 10 * time.Second
	}
	if cfg.OutboundQueueSize <= 0 {
		cfg.OutboundQueueSize = 128
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = 1 << 20
	}
	s := &Server{
		deps:    deps,
		cfg:     cfg,
		logger:  deps.Logger.With().Str("component", "server").Logger(),
		mux:     http.NewServeMux(),
		tracker: NewTracker(),
	}
	s.routes()
	return s, nil
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	s.mux.HandleFunc("/v1/agents", s.serveAgents)
	s.mux.HandleFunc("/v1/cluster", s.serveCluster)
}

func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = Recover(s.logger, h)
	h = AccessLog(s.logger, h)
	h = RequestID(h)
	return h
}

func (s *Server) serveAgents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		reqID, _ := RequestIDFrom(r.Context())
		writeJSONError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed", reqID)
		return
	}
	cat := s.deps.Catalog
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(agentsResponse{
		Lead:    cat.Lead().ID,
		Agents:  cat.List(),
		Presets: cat.Presets(),
	})
}

func (s *Server) originAllowed(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" || len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if strings.EqualFold(strings.TrimSpace(allowed), origin) {
			return true
		}
	}
	return false
}

// SetDraining makes new cluster connections fail with 503.
func (s *Server) SetDraining() { s.draining.Store(true) }

func (s *Server) WarnClustersDraining() int {
	return s.tracker.WarnAll("draining", "server is shutting down")
}

func (s *Server) WaitClusters(ctx context.Context) bool { return s.tracker.Wait(ctx) }

func (s *Server) CancelClusters() int { return s.tracker.CancelAll() }

func (s *Server) ActiveClusters() int { return s.tracker.Count() }
