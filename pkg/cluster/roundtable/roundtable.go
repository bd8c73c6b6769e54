// Package roundtable runs a text-only discussion between catalog agents:
// independent research, a fixed number of discussion rounds and a summary
// written by the lead agent.
package roundtable

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"google.golang.org/genai"

	"github.com/vango-go/vai-cluster/pkg/cluster/catalog"
)

const (
	researchUnavailable = "Research unavailable"
	recentMessages      = 5
)

type Status string

const (
	StatusResearching Status = "researching"
	StatusDiscussing  Status = "discussing"
	StatusSummarizing Status = "summarizing"
	StatusComplete    Status = "complete"
)

// Generator produces one text completion for a prompt.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// GeminiGenerator generates text with a Gemini model.
type GeminiGenerator struct {
	Client *genai.Client
	Model  string
}

func (g *GeminiGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	if g == nil || g.Client == nil {
		return "", errors.New("gemini client is not configured")
	}
	resp, err := g.Client.Models.GenerateContent(ctx, g.Model, genai.Text(prompt), nil)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(resp.Text()), nil
}

type Research struct {
	AgentID  string `json:"agent_id"`
	Findings string `json:"findings"`
	Failed   bool   `json:"failed,omitempty"`
}

type Message struct {
	Round   int       `json:"round"`
	AgentID string    `json:"agent_id"`
	Text    string    `json:"text"`
	At      time.Time `json:"at"`
}

// Session is the state of one roundtable. Progress callbacks receive a copy.
type Session struct {
	Topic       string     `json:"topic"`
	Status      Status     `json:"status"`
	Research    []Research `json:"research"`
	Discussion  []Message  `json:"discussion"`
	Summary     string     `json:"summary,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt time.Time  `json:"completed_at,omitempty"`
}

type Config struct {
	Rounds int
	// Pause is the wait before each speaker in the discussion phase.
	Pause time.Duration
	// Participants defaults to the whole catalog, in catalog order.
	Participants []string
	Logger       zerolog.Logger
	Now          func() time.Time
	// OnProgress is called after every status change and every message.
	OnProgress func(Session)
}

type Runner struct {
	catalog *catalog.Catalog
	gen     Generator
	cfg     Config
}

func New(cat *catalog.Catalog, gen Generator, cfg Config) (*Runner, error) {
	if cat == nil {
		return nil, errors.New("catalog is required")
	}
	if gen == nil {
		return nil, errors.New("generator is required")
	}
	if cfg.Rounds <= 0 {
		cfg.Rounds = 3
	}
	if cfg.Pause < 0 {
		cfg.Pause = 0
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	for _, id := range cfg.Participants {
		if _, ok := cat.Get(id); !ok {
			return nil, fmt.Errorf("%w: %s", catalog.ErrUnknownAgent, id)
		}
	}
	return &Runner{catalog: cat, gen: gen, cfg: cfg}, nil
}

func (r *Runner) participants() []catalog.Agent {
	if len(r.cfg.Participants) == 0 {
		return r.catalog.List()
	}
	out := make([]catalog.Agent, 0, len(r.cfg.Participants))
	for _, id := range r.cfg.Participants {
		out = append(out, r.catalog.MustGet(id))
	}
	return out
}

// Run drives a roundtable on topic to completion. Research and discussion
// failures are recorded and skipped; only a failed summary or a cancelled
// ctx fails the run.
func (r *Runner) Run(ctx context.Context, topic string) (Session, error) {
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return Session{}, errors.New("topic is required")
	}
	agents := r.participants()
	log := r.cfg.Logger.With().Str("component", "roundtable").Logger()

	s := Session{Topic: topic, Status: StatusResearching, StartedAt: r.cfg.Now()}
	r.progress(s)

	log.Info().Str("topic", topic).Int("participants", len(agents)).Msg("research phase")
	s.Research = r.research(ctx, log, topic, agents)
	if err := ctx.Err(); err != nil {
		return s, err
	}

	s.Status = StatusDiscussing
	r.progress(s)
	for round := 0; round < r.cfg.Rounds; round++ {
		for _, a := range agents {
			if err := sleep(ctx, r.cfg.Pause); err != nil {
				return s, err
			}
			text, err := r.gen.Generate(ctx, r.discussionPrompt(s, a, round))
			if err != nil {
				if ctx.Err() != nil {
					return s, ctx.Err()
				}
				log.Warn().Err(err).Str("agent_id", a.ID).Int("round", round+1).Msg("discussion turn failed")
				continue
			}
			if text == "" {
				text = "No response available"
			}
			s.Discussion = append(s.Discussion, Message{Round: round + 1, AgentID: a.ID, Text: text, At: r.cfg.Now()})
			r.progress(s)
		}
	}

	s.Status = StatusSummarizing
	r.progress(s)
	summary, err := r.gen.Generate(ctx, r.summaryPrompt(s))
	if err != nil {
		return s, fmt.Errorf("summary: %w", err)
	}
	if summary == "" {
		summary = "Summary not available"
	}
	s.Summary = summary
	s.Status = StatusComplete
	s.CompletedAt = r.cfg.Now()
	r.progress(s)
	log.Info().Int("messages", len(s.Discussion)).Msg("roundtable complete")
	return s, nil
}

func (r *Runner) research(ctx context.Context, log zerolog.Logger, topic string, agents []catalog.Agent) []Research {
	out := make([]Research, len(agents))
	g, gctx := errgroup.WithContext(ctx)
	for i, a := range agents {
		g.Go(func() error {
			prompt := fmt.Sprintf("You are %s. %s\n\nResearch this topic from your unique perspective: %q\n\n"+
				"Provide your key findings in 2-3 sentences. Focus on insights relevant to your specialty.",
				a.Name, a.Description, topic)
			findings, err := r.gen.Generate(gctx, prompt)
			res := Research{AgentID: a.ID, Findings: findings}
			switch {
			case err != nil:
				log.Warn().Err(err).Str("agent_id", a.ID).Msg("research failed")
				res = Research{AgentID: a.ID, Findings: researchUnavailable, Failed: true}
			case findings == "":
				res.Findings = "No findings available"
			}
			out[i] = res
			// A failed participant never cancels the others.
			return nil
		})
	}
	_ = g.Wait()
	return out
}

func (r *Runner) discussionPrompt(s Session, a catalog.Agent, round int) string {
	var own string
	for _, res := range s.Research {
		if res.AgentID == a.ID {
			own = res.Findings
		}
	}
	recent := s.Discussion
	if len(recent) > recentMessages {
		recent = recent[len(recent)-recentMessages:]
	}
	lines := make([]string, 0, len(recent))
	for _, m := range recent {
		lines = append(lines, r.name(m.AgentID)+": "+m.Text)
	}
	history := strings.Join(lines, "\n")
	if history == "" {
		history = "Discussion just starting"
	}

	var guidance string
	switch {
	case round == 0:
		guidance = "Share your perspective and react to others' research."
	case round < r.cfg.Rounds-1:
		guidance = "Build on what others said and add deeper insights."
	default:
		guidance = "Synthesize the discussion and offer final thoughts."
	}

	var b strings.Builder
	fmt.Fprintf(&b, "You are %s in a roundtable discussion about: %q\n\n", a.Name, s.Topic)
	fmt.Fprintf(&b, "Your research: %s\n\n", own)
	fmt.Fprintf(&b, "All research findings:\n%s\n\n", r.allResearch(s))
	fmt.Fprintf(&b, "Recent discussion:\n%s\n\n", history)
	fmt.Fprintf(&b, "This is discussion round %d of %d. %s\n\n", round+1, r.cfg.Rounds, guidance)
	b.WriteString("Respond in 1-2 sentences. Be conversational and reference others' points.")
	return b.String()
}

func (r *Runner) summaryPrompt(s Session) string {
	lines := make([]string, 0, len(s.Discussion))
	for _, m := range s.Discussion {
		lines = append(lines, r.name(m.AgentID)+": "+m.Text)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "You are %s, synthesizing a roundtable discussion on: %q\n\n", r.catalog.Lead().Name, s.Topic)
	fmt.Fprintf(&b, "RESEARCH FINDINGS:\n%s\n\n", r.allResearch(s))
	fmt.Fprintf(&b, "DISCUSSION:\n%s\n\n", strings.Join(lines, "\n\n"))
	b.WriteString("Provide a comprehensive summary that:\n" +
		"1. Captures key insights from each agent's unique perspective\n" +
		"2. Highlights areas of consensus and creative tension\n" +
		"3. Offers actionable takeaways\n" +
		"4. Uses clear section headers\n\n" +
		"Format in markdown with headers (##) and bullet points.")
	return b.String()
}

func (r *Runner) allResearch(s Session) string {
	parts := make([]string, 0, len(s.Research))
	for _, res := range s.Research {
		parts = append(parts, r.name(res.AgentID)+": "+res.Findings)
	}
	return strings.Join(parts, "\n\n")
}

func (r *Runner) name(agentID string) string {
	if a, ok := r.catalog.Get(agentID); ok {
		return a.Name
	}
	return agentID
}

func (r *Runner) progress(s Session) {
	if r.cfg.OnProgress == nil {
		return
	}
	s.Research = append([]Research(nil), s.Research...)
	s.Discussion = append([]Message(nil), s.Discussion...)
	r.cfg.OnProgress(s)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
