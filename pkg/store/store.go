// Package store persists cluster transcripts and serves knowledge documents
// from Postgres.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

var ErrUnavailable = errors.New("store unavailable")

// DefaultUserIdentity labels sessions opened without a known user.
const DefaultUserIdentity = "Guest-Node"

// Document is one knowledge search hit.
type Document struct {
	ID    string
	Title string
	Text  string
	Rank  float64
}

type Store struct {
	pool   *pgxpool.Pool
	logger zerolog.Logger
}

// Open connects to databaseURL and verifies the connection.
func Open(ctx context.Context, databaseURL string, logger zerolog.Logger) (*Store, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, fmt.Errorf("%w: no database url", ErrUnavailable)
	}
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return New(pool, logger), nil
}

func New(pool *pgxpool.Pool, logger zerolog.Logger) *Store {
	return &Store{pool: pool, logger: logger.With().Str("component", "store").Logger()}
}

func (s *Store) Pool() *pgxpool.Pool {
	if s == nil {
		return nil
	}
	return s.pool
}

func (s *Store) Close() {
	if s != nil && s.pool != nil {
		s.pool.Close()
	}
}

// CreateSession opens a transcript session row and returns its id.
func (s *Store) CreateSession(ctx context.Context, hostAgentID, userIdentity string) (string, error) {
	if s == nil || s.pool == nil {
		return "", ErrUnavailable
	}
	if strings.TrimSpace(userIdentity) == "" {
		userIdentity = DefaultUserIdentity
	}
	var id string
	err := s.pool.QueryRow(ctx,
		`INSERT INTO portal_sessions (host_id, user_address) VALUES ($1, $2) RETURNING id::text`,
		hostAgentID, userIdentity,
	).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}
	return id, nil
}

// AppendTurn stores one sealed turn. agentID is empty for user turns.
func (s *Store) AppendTurn(ctx context.Context, sessionID, role, text, agentID string) error {
	if s == nil || s.pool == nil {
		return ErrUnavailable
	}
	var agent any
	if agentID != "" {
		agent = agentID
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO portal_messages (session_id, role, content, agent_id) VALUES ($1::uuid, $2, $3, $4)`,
		sessionID, role, text, agent,
	)
	if err != nil {
		return fmt.Errorf("append turn: %w", err)
	}
	return nil
}

// SearchKnowledge runs the full-text search function and falls back to a
// plain substring match when the function is missing or fails. Full-text
// hits have their access counters bumped.
func (s *Store) SearchKnowledge(ctx context.Context, query string, limit int) ([]Document, error) {
	if s == nil || s.pool == nil {
		return nil, ErrUnavailable
	}
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, errors.New("search query is required")
	}
	if limit <= 0 {
		limit = 5
	}

	docs, err := s.queryDocuments(ctx,
		`SELECT id::text, title, extracted_text, rank::float8 FROM search_knowledge_documents($1, $2)`,
		query, limit,
	)
	if err == nil {
		s.touch(ctx, docs)
		return docs, nil
	}
	if ctx.Err() != nil {
		return nil, fmt.Errorf("search knowledge: %w", err)
	}
	s.logger.Debug().Err(err).Msg("full-text search failed, falling back to substring match")

	docs, err = s.queryDocuments(ctx,
		`SELECT id::text, title, extracted_text, 0::float8
		   FROM knowledge_documents
		  WHERE extracted_text ILIKE '%' || $1 || '%' ESCAPE '\'
		  ORDER BY created_at DESC
		  LIMIT $2`,
		escapeLike(query), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("search knowledge: %w", err)
	}
	return docs, nil
}

func (s *Store) queryDocuments(ctx context.Context, sql string, args ...any) ([]Document, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowToStructByPos[Document])
}

func (s *Store) touch(ctx context.Context, docs []Document) {
	if len(docs) == 0 {
		return
	}
	ids := make([]string, len(docs))
	for i, d := range docs {
		ids[i] = d.ID
	}
	_, err := s.pool.Exec(ctx,
		`UPDATE knowledge_documents
		    SET access_count = access_count + 1, last_accessed = now()
		  WHERE id = ANY($1::uuid[])`,
		ids,
	)
	if err != nil {
		s.logger.Warn().Err(err).Int("documents", len(ids)).Msg("access tracking update failed")
	}
}

// AddDocument inserts a knowledge document and returns its id.
func (s *Store) AddDocument(ctx context.Context, title, fileType, text string) (string, error) {
	if s == nil || s.pool == nil {
		return "", ErrUnavailable
	}
	var id string
	err := s.pool.QueryRow(ctx,
		`INSERT INTO knowledge_documents (title, file_type, extracted_text) VALUES ($1, $2, $3) RETURNING id::text`,
		title, fileType, text,
	).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("add document: %w", err)
	}
	return id, nil
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
