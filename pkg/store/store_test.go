package store

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	url := os.Getenv("VAI_CLUSTER_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("VAI_CLUSTER_TEST_DATABASE_URL not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	s, err := Open(ctx, url, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(s.Close)
	require.NoError(t, Migrate(ctx, s.Pool(), zerolog.Nop()))
	return s
}

func TestStore_NilIsUnavailable(t *testing.T) {
	var s *Store
	_, err := s.CreateSession(context.Background(), "oracle", "")
	require.ErrorIs(t, err, ErrUnavailable)
	require.ErrorIs(t, s.AppendTurn(context.Background(), "id", "user", "hi", ""), ErrUnavailable)
	_, err = s.SearchKnowledge(context.Background(), "q", 5)
	require.ErrorIs(t, err, ErrUnavailable)

	_, err = Open(context.Background(), " ", zerolog.Nop())
	require.ErrorIs(t, err, ErrUnavailable)
}

func TestEscapeLike(t *testing.T) {
	assert.Equal(t, `100\% \_done\\`, escapeLike(`100% _done\`))
}

func TestStore_SessionAndTurns(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id, err := s.CreateSession(ctx, "oracle", "")
	require.NoError(t, err)
	require.NotEmpty(t, id)

	require.NoError(t, s.AppendTurn(ctx, id, "user", "hello there", ""))
	require.NoError(t, s.AppendTurn(ctx, id, "agent", "Hi there", "oracle"))

	var user string
	var count int
	require.NoError(t, s.pool.QueryRow(ctx,
		`SELECT s.user_address, count(m.id) FROM portal_sessions s
		   JOIN portal_messages m ON m.session_id = s.id
		  WHERE s.id = $1::uuid GROUP BY s.user_address`, id).Scan(&user, &count))
	assert.Equal(t, DefaultUserIdentity, user)
	assert.Equal(t, 2, count)
}

func TestStore_SearchKnowledge(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	marker := "zircon" + time.Now().Format("150405")
	docID, err := s.AddDocument(ctx, "Field notes", "text/plain", "The "+marker+" deposit sits under the old quarry.")
	require.NoError(t, err)
	t.Cleanup(func() {
		_, _ = s.pool.Exec(context.Background(), `DELETE FROM knowledge_documents WHERE id = $1::uuid`, docID)
	})

	docs, err := s.SearchKnowledge(ctx, marker, 5)
	require.NoError(t, err)
	require.NotEmpty(t, docs)
	assert.Equal(t, docID, docs[0].ID)
	assert.Equal(t, "Field notes", docs[0].Title)

	var accessCount int
	require.NoError(t, s.pool.QueryRow(ctx, `SELECT access_count FROM knowledge_documents WHERE id = $1::uuid`, docID).Scan(&accessCount))
	assert.GreaterOrEqual(t, accessCount, 1)
}
