// Package knowledge answers the agents' knowledge search tool from the
// document store.
package knowledge

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"github.com/vango-go/vai-cluster/pkg/store"
)

// Result is one search hit trimmed for an agent to read aloud.
type Result struct {
	ID      string `json:"id"`
	Title   string `json:"title"`
	Excerpt string `json:"excerpt"`
}

type Backend interface {
	SearchKnowledge(ctx context.Context, query string, limit int) ([]store.Document, error)
}

type Config struct {
	DefaultLimit int
	MaxLimit     int
	// ExcerptRunes bounds each excerpt.
	ExcerptRunes int
	Logger       zerolog.Logger
}

type Service struct {
	backend Backend
	cfg     Config
	logger  zerolog.Logger
}

func New(backend Backend, cfg Config) *Service {
	if cfg.DefaultLimit <= 0 {
		cfg.DefaultLimit = 5
	}
	if cfg.MaxLimit <= 0 {
		cfg.MaxLimit = 20
	}
	if cfg.ExcerptRunes <= 0 {
		cfg.ExcerptRunes = 400
	}
	return &Service{
		backend: backend,
		cfg:     cfg,
		logger:  cfg.Logger.With().Str("component", "knowledge").Logger(),
	}
}

func (s *Service) Search(ctx context.Context, query string, limit int) ([]Result, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fmt.Errorf("search query is required")
	}
	if limit <= 0 {
		limit = s.cfg.DefaultLimit
	}
	limit = min(limit, s.cfg.MaxLimit)

	start := time.Now()
	docs, err := s.backend.SearchKnowledge(ctx, query, limit)
	if err != nil {
		s.logger.Warn().Err(err).Str("query", query).Msg("knowledge search failed")
		return nil, err
	}
	out := make([]Result, 0, len(docs))
	for _, d := range docs {
		out = append(out, Result{
			ID:      d.ID,
			Title:   strings.TrimSpace(d.Title),
			Excerpt: Excerpt(d.Text, query, s.cfg.ExcerptRunes),
		})
	}
	s.logger.Debug().Str("query", query).Int("results", len(out)).Dur("elapsed", time.Since(start)).Msg("knowledge search")
	return out, nil
}

// Excerpt cuts about n runes of text around the first case-insensitive
// occurrence of query, or from the start when it does not occur.
func Excerpt(text, query string, n int) string {
	text = strings.Join(strings.Fields(text), " ")
	if n <= 0 || utf8.RuneCountInString(text) <= n {
		return text
	}
	runes := []rune(text)
	center := 0
	if idx := strings.Index(strings.ToLower(text), strings.ToLower(strings.TrimSpace(query))); idx > 0 {
		center = utf8.RuneCountInString(text[:idx])
	}
	start := max(0, center-n/4)
	end := min(len(runes), start+n)
	start = max(0, end-n)

	var b strings.Builder
	if start > 0 {
		b.WriteString("...")
	}
	b.WriteString(strings.TrimSpace(string(runes[start:end])))
	if end < len(runes) {
		b.WriteString("...")
	}
	return b.String()
}

// Format renders results as the text an agent receives for a search call.
func Format(results []Result) string {
	if len(results) == 0 {
		return "No matching documents found."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Found %d document(s):", len(results))
	for i, r := range results {
		title := r.Title
		if title == "" {
			title = "Untitled"
		}
		fmt.Fprintf(&b, "\n%d. %s: %s", i+1, title, r.Excerpt)
	}
	return b.String()
}
