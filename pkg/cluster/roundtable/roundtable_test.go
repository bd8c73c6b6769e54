package roundtable

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vango-go/vai-cluster/pkg/cluster/catalog"
)

type fakeGenerator struct {
	mu      sync.Mutex
	prompts []string
	// respond returns the reply for a prompt; nil echoes the speaker's name.
	respond func(prompt string) (string, error)
}

func (f *fakeGenerator) Generate(_ context.Context, prompt string) (string, error) {
	f.mu.Lock()
	f.prompts = append(f.prompts, prompt)
	f.mu.Unlock()
	if f.respond != nil {
		return f.respond(prompt)
	}
	return speaker(prompt) + " says hello", nil
}

func (f *fakeGenerator) all() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.prompts...)
}

// speaker pulls the name out of "You are <Name>..." prompts.
func speaker(prompt string) string {
	rest := strings.TrimPrefix(prompt, "You are ")
	if i := strings.IndexAny(rest, ". ,"); i > 0 {
		return rest[:i]
	}
	return rest
}

func TestRun_FullWorkflow(t *testing.T) {
	gen := &fakeGenerator{}
	var statuses []Status
	r, err := New(catalog.Default(), gen, Config{
		Participants: []string{"architect", "ledger"},
		OnProgress: func(s Session) {
			if len(statuses) == 0 || statuses[len(statuses)-1] != s.Status {
				statuses = append(statuses, s.Status)
			}
		},
	})
	require.NoError(t, err)

	s, err := r.Run(context.Background(), "  city transit  ")
	require.NoError(t, err)

	assert.Equal(t, "city transit", s.Topic)
	assert.Equal(t, StatusComplete, s.Status)
	assert.Equal(t, []Status{StatusResearching, StatusDiscussing, StatusSummarizing, StatusComplete}, statuses)
	require.Len(t, s.Research, 2)
	assert.Equal(t, "architect", s.Research[0].AgentID)
	assert.Equal(t, "Architect says hello", s.Research[0].Findings)

	require.Len(t, s.Discussion, 6)
	want := []string{"architect", "ledger", "architect", "ledger", "architect", "ledger"}
	for i, m := range s.Discussion {
		assert.Equal(t, want[i], m.AgentID)
		assert.Equal(t, i/2+1, m.Round)
	}
	assert.Equal(t, "Oracle says hello", s.Summary)
	assert.False(t, s.CompletedAt.IsZero())

	prompts := gen.all()
	require.Len(t, prompts, 2+6+1)
	first := prompts[2]
	assert.Contains(t, first, "Discussion just starting")
	assert.Contains(t, first, "round 1 of 3. Share your perspective")
	assert.Contains(t, prompts[4], "round 2 of 3. Build on what others said")
	assert.Contains(t, prompts[7], "round 3 of 3. Synthesize the discussion")
	assert.Contains(t, prompts[8], "RESEARCH FINDINGS:\nArchitect: Architect says hello\n\nLedger: Ledger says hello")
}

func TestRun_RecentDiscussionIsCapped(t *testing.T) {
	gen := &fakeGenerator{}
	r, err := New(catalog.Default(), gen, Config{})
	require.NoError(t, err)

	_, err = r.Run(context.Background(), "tides")
	require.NoError(t, err)

	prompts := gen.all()
	// Five research prompts, then fifteen discussion turns, then the summary.
	require.Len(t, prompts, 5+15+1)
	last := prompts[5+14]
	history := last[strings.Index(last, "Recent discussion:\n")+len("Recent discussion:\n"):]
	history = history[:strings.Index(history, "\n\nThis is discussion round")]
	assert.Len(t, strings.Split(history, "\n"), recentMessages)
}

func TestRun_ResearchFailureDoesNotAbort(t *testing.T) {
	gen := &fakeGenerator{respond: func(prompt string) (string, error) {
		if strings.HasPrefix(prompt, "You are Ledger. ") {
			return "", errors.New("quota")
		}
		return speaker(prompt) + " ok", nil
	}}
	r, err := New(catalog.Default(), gen, Config{Participants: []string{"architect", "ledger"}, Rounds: 1})
	require.NoError(t, err)

	s, err := r.Run(context.Background(), "energy")
	require.NoError(t, err)
	assert.Equal(t, Research{AgentID: "ledger", Findings: researchUnavailable, Failed: true}, s.Research[1])
	assert.Len(t, s.Discussion, 2)
	assert.Equal(t, StatusComplete, s.Status)
}

func TestRun_DiscussionFailureIsSkipped(t *testing.T) {
	gen := &fakeGenerator{respond: func(prompt string) (string, error) {
		if strings.HasPrefix(prompt, "You are Architect in a roundtable") {
			return "", errors.New("timeout")
		}
		return "fine", nil
	}}
	r, err := New(catalog.Default(), gen, Config{Participants: []string{"architect", "ledger"}, Rounds: 2})
	require.NoError(t, err)

	s, err := r.Run(context.Background(), "energy")
	require.NoError(t, err)
	require.Len(t, s.Discussion, 2)
	assert.Equal(t, "ledger", s.Discussion[0].AgentID)
}

func TestRun_SummaryFailureFails(t *testing.T) {
	gen := &fakeGenerator{respond: func(prompt string) (string, error) {
		if strings.Contains(prompt, "synthesizing a roundtable") {
			return "", errors.New("overloaded")
		}
		return "fine", nil
	}}
	r, err := New(catalog.Default(), gen, Config{Participants: []string{"muse"}, Rounds: 1})
	require.NoError(t, err)

	s, err := r.Run(context.Background(), "art")
	require.ErrorContains(t, err, "overloaded")
	assert.Equal(t, StatusSummarizing, s.Status)
}

func TestRun_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	gen := &fakeGenerator{respond: func(string) (string, error) {
		cancel()
		return "x", nil
	}}
	r, err := New(catalog.Default(), gen, Config{Participants: []string{"muse"}})
	require.NoError(t, err)

	_, err = r.Run(ctx, "art")
	require.ErrorIs(t, err, context.Canceled)
}

func TestNew_Validation(t *testing.T) {
	_, err := New(catalog.Default(), &fakeGenerator{}, Config{Participants: []string{"nobody"}})
	require.ErrorIs(t, err, catalog.ErrUnknownAgent)
	_, err = New(nil, &fakeGenerator{}, Config{})
	require.Error(t, err)
	_, err = New(catalog.Default(), nil, Config{})
	require.Error(t, err)

	r, err := New(catalog.Default(), &fakeGenerator{}, Config{})
	require.NoError(t, err)
	_, err = r.Run(context.Background(), "   ")
	require.Error(t, err)
}
