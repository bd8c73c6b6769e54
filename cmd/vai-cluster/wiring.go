package main

import (
	"context"
	"errors"
	"strings"

	"github.com/rs/zerolog"
	"google.golang.org/genai"

	"github.com/vango-go/vai-cluster/pkg/cluster"
	"github.com/vango-go/vai-cluster/pkg/cluster/audio"
	"github.com/vango-go/vai-cluster/pkg/cluster/catalog"
	"github.com/vango-go/vai-cluster/pkg/cluster/roundtable"
	"github.com/vango-go/vai-cluster/pkg/config"
	"github.com/vango-go/vai-cluster/pkg/knowledge"
	"github.com/vango-go/vai-cluster/pkg/server"
	"github.com/vango-go/vai-cluster/pkg/store"
)

func loadCatalog(cfg config.Config) (*catalog.Catalog, error) {
	if path := strings.TrimSpace(cfg.Live.CatalogPath); path != "" {
		return catalog.Load(path)
	}
	return catalog.Default(), nil
}

func clusterConfig(cfg config.Config) cluster.Config {
	return cluster.Config{
		LiveModel:        cfg.Gemini.LiveModel,
		UserIdentity:     cfg.Live.UserIdentity,
		RemoveFade:       cfg.Live.RemoveFade,
		SearchLimit:      cfg.Live.SearchLimit,
		SearchTimeout:    cfg.Live.SearchTimeout,
		PersistTimeout:   cfg.Database.PersistTimeout,
		ConnectTimeout:   cfg.Live.ConnectTimeout,
		RelayTranscripts: cfg.Live.RelayTranscripts,
	}
}

func audioConfig(cfg config.Config) audio.Config {
	return audio.Config{FrameSamples: cfg.Audio.FrameSamples}
}

func serverConfig(cfg config.Config) server.Config {
	return server.Config{
		PingInterval:      cfg.Server.PingInterval,
		WriteTimeout:      cfg.Server.WriteTimeout,
		LevelInterval:     cfg.Server.LevelInterval,
		OutboundQueueSize: cfg.Server.OutboundQueueSize,
		AllowedOrigins:    cfg.Server.AllowedOrigins,
	}
}

// backends holds the optional database-backed collaborators. Store and
// Searcher stay nil interfaces when no database is configured.
type backends struct {
	store    cluster.Store
	searcher cluster.Searcher
	close    func()
}

// openBackends connects to the database when one is configured. A database
// that cannot be reached degrades to local-only sessions and no knowledge
// search rather than failing the command.
func (a *app) openBackends(ctx context.Context) (backends, error) {
	b := backends{close: func() {}}
	url := strings.TrimSpace(a.cfg.Database.URL)
	if url == "" {
		a.logger.Info().Msg("no database configured; sessions are local and knowledge search is off")
		return b, nil
	}
	if a.deps.openStore == nil {
		return b, errors.New("missing openStore dependency")
	}
	st, err := a.deps.openStore(ctx, url, a.logger)
	if err != nil {
		if errors.Is(err, store.ErrUnavailable) {
			a.logger.Warn().Err(err).Msg("database unavailable; continuing without persistence")
			return b, nil
		}
		return b, err
	}
	if a.cfg.Database.Migrate {
		if err := store.Migrate(ctx, st.Pool(), a.logger); err != nil {
			st.Close()
			return b, err
		}
	}
	b.store = st
	b.searcher = knowledge.New(st, knowledge.Config{
		DefaultLimit: a.cfg.Live.SearchLimit,
		Logger:       a.logger,
	})
	b.close = st.Close
	return b, nil
}

func newGeminiGenerator(ctx context.Context, cfg config.Config) (roundtable.Generator, error) {
	if strings.TrimSpace(cfg.Gemini.APIKey) == "" {
		return nil, errors.New("gemini api key is required (set VAI_CLUSTER_GEMINI_API_KEY or GEMINI_API_KEY)")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.Gemini.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, err
	}
	return &roundtable.GeminiGenerator{Client: client, Model: cfg.Gemini.TextModel}, nil
}

func ffmpegDevices(cfg config.Config, logger zerolog.Logger) (audio.Microphone, audio.Speaker) {
	mic := &audio.FFmpegMicrophone{
		Path:   cfg.Audio.FFmpegPath,
		Device: cfg.Audio.MicDevice,
		Logger: logger.With().Str("component", "microphone").Logger(),
	}
	speaker := &audio.FFPlaySpeaker{
		Path:   cfg.Audio.FFplayPath,
		Volume: cfg.Audio.SpeakerVolume,
		Logger: logger.With().Str("component", "speaker").Logger(),
	}
	return mic, speaker
}
