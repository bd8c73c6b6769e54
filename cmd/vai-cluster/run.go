package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/vango-go/vai-cluster/pkg/cluster"
	"github.com/vango-go/vai-cluster/pkg/cluster/audio"
	"github.com/vango-go/vai-cluster/pkg/cluster/catalog"
	"github.com/vango-go/vai-cluster/pkg/cluster/transcript"
)

var errQuit = errors.New("quit")

func newRunCmd(a *app) *cobra.Command {
	var (
		host          string
		personalities map[string]string
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a cluster on this machine's microphone and speakers",
		Long: `Run a cluster on this machine's microphone and speakers (ffmpeg capture, ffplay output).

While running, type commands on stdin:
  summon <agent>   bring an agent into the room
  remove <agent>   send an agent away
  focus [agent]    hand the floor to an agent, or clear the manual focus
  status           show who is in the room
  quit             end the cluster`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if host == "" {
				host = a.cfg.Live.HostAgent
			}
			return a.runLocal(cmd.Context(), host, personalities)
		},
	}
	cmd.Flags().StringVar(&host, "host", "", "host agent id (defaults to live.host_agent, then the lead agent)")
	cmd.Flags().StringToStringVar(&personalities, "personality", nil, "agent=preset personality, repeatable (e.g. ledger=warren-buffett)")
	return cmd
}

// parsePersonalities maps agent=value pairs onto presets. A value that is
// not a known preset is taken as custom traits.
func parsePersonalities(cat *catalog.Catalog, in map[string]string) (map[string]catalog.Personality, error) {
	if len(in) == 0 {
		return nil, nil
	}
	out := make(map[string]catalog.Personality, len(in))
	for agentID, value := range in {
		a, ok := cat.Get(agentID)
		if !ok {
			return nil, fmt.Errorf("personality: %w: %q", catalog.ErrUnknownAgent, agentID)
		}
		value = strings.TrimSpace(value)
		if _, ok := cat.Preset(value); ok {
			out[a.ID] = catalog.Personality{PresetID: value}
			continue
		}
		out[a.ID] = catalog.Personality{CustomTraits: value}
	}
	return out, nil
}

func (a *app) runLocal(ctx context.Context, host string, rawPersonalities map[string]string) error {
	if a.deps.signalNotify == nil || a.deps.signalStop == nil {
		return errors.New("missing signal dependency")
	}
	if a.deps.newConnector == nil || a.deps.newDevices == nil {
		return errors.New("missing connector or device dependency")
	}
	cat, err := loadCatalog(a.cfg)
	if err != nil {
		return err
	}
	if host == "" {
		host = cat.Lead().ID
	}
	personalities, err := parsePersonalities(cat, rawPersonalities)
	if err != nil {
		return err
	}
	connector, err := a.deps.newConnector(ctx, a.cfg)
	if err != nil {
		return fmt.Errorf("gemini: %w", err)
	}
	b, err := a.openBackends(ctx)
	if err != nil {
		return err
	}
	defer b.close()

	mic, speaker := a.deps.newDevices(a.cfg, a.logger)
	orch, err := cluster.New(cluster.Dependencies{
		Catalog: cat,
		NewGraph: func(onIdle func(string)) cluster.Graph {
			return audio.NewGraph(audio.Dependencies{
				Microphone:     mic,
				Speaker:        speaker,
				Logger:         a.logger,
				Config:         audioConfig(a.cfg),
				OnPlaybackIdle: onIdle,
			})
		},
		Connector: connector,
		Store:     b.store,
		Searcher:  b.searcher,
		Logger:    a.logger,
		Config:    clusterConfig(a.cfg),
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	a.deps.signalNotify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer a.deps.signalStop(sigCh)

	stdin := a.deps.stdin
	if stdin == nil {
		stdin = strings.NewReader("")
	}
	lines := scanLines(stdin)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return orch.Run(gctx) })
	g.Go(func() error { return a.printEvents(gctx, orch) })
	g.Go(func() error {
		select {
		case sig := <-sigCh:
			a.logger.Info().Str("signal", sig.String()).Msg("shutdown signal received")
			return errQuit
		case <-gctx.Done():
			return nil
		}
	})
	g.Go(func() error {
		fmt.Fprintf(a.stdout, "starting cluster with %s...\n", host)
		if err := orch.StartCluster(gctx, host, personalities); err != nil {
			return fmt.Errorf("start cluster: %w", err)
		}
		return a.commandLoop(gctx, orch, lines)
	})

	err = g.Wait()
	if errors.Is(err, errQuit) {
		return nil
	}
	return err
}

func scanLines(r io.Reader) <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()
	return lines
}

func (a *app) commandLoop(ctx context.Context, orch *cluster.Orchestrator, lines <-chan string) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				// stdin closed; keep the room open until a signal.
				lines = nil
				continue
			}
			if err := a.execLine(ctx, orch, line); err != nil {
				if errors.Is(err, errQuit) {
					return err
				}
				fmt.Fprintf(a.stdout, "error: %v\n", err)
			}
		}
	}
}

func (a *app) execLine(ctx context.Context, orch *cluster.Orchestrator, line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}
	arg := ""
	if len(fields) > 1 {
		arg = fields[1]
	}
	switch strings.ToLower(fields[0]) {
	case "summon", "add":
		if arg == "" {
			return errors.New("usage: summon <agent>")
		}
		return orch.Summon(ctx, arg)
	case "remove", "dismiss":
		if arg == "" {
			return errors.New("usage: remove <agent>")
		}
		return orch.RemoveAgent(ctx, arg)
	case "focus":
		return orch.Focus(ctx, arg)
	case "status":
		snap, err := orch.Snapshot(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(a.stdout, "state=%s host=%s focus=%s collaborators=%s speaking=%s\n",
			snap.State, snap.Host, snap.Focused,
			strings.Join(snap.Collaborators, ","), strings.Join(snap.Speaking, ","))
		return nil
	case "quit", "exit", "terminate":
		return errQuit
	default:
		return fmt.Errorf("unknown command %q", fields[0])
	}
}

// printEvents writes the room's activity to stdout. It ends the run when the
// cluster falls back to idle on its own, for example after the host drops.
func (a *app) printEvents(ctx context.Context, orch *cluster.Orchestrator) error {
	connected := false
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-orch.Events():
			if line := formatEvent(ev); line != "" {
				fmt.Fprintln(a.stdout, line)
			}
			if ev.Type == cluster.EventState {
				switch ev.State {
				case cluster.StateConnected:
					connected = true
				case cluster.StateIdle:
					if connected {
						return errQuit
					}
				}
			}
		}
	}
}

func formatEvent(ev cluster.Event) string {
	switch ev.Type {
	case cluster.EventState:
		return fmt.Sprintf("[state] %s", ev.State)
	case cluster.EventFocus:
		if ev.Focus == nil {
			return ""
		}
		to := ev.Focus.To
		if to == "" {
			to = "nobody"
		}
		return fmt.Sprintf("[focus] %s (%s)", to, ev.Focus.Reason)
	case cluster.EventAgentJoined:
		return fmt.Sprintf("[joined] %s", ev.AgentID)
	case cluster.EventAgentLeft:
		if ev.Reason != "" {
			return fmt.Sprintf("[left] %s: %s", ev.AgentID, ev.Reason)
		}
		return fmt.Sprintf("[left] %s", ev.AgentID)
	case cluster.EventTurn:
		if ev.Turn == nil {
			return ""
		}
		speaker := string(ev.Turn.Role)
		if ev.Turn.Role == transcript.RoleAgent && ev.Turn.AgentID != "" {
			speaker = ev.Turn.AgentID
		}
		return fmt.Sprintf("%s: %s", speaker, ev.Turn.Text)
	case cluster.EventSignal:
		if ev.Signal == nil {
			return ""
		}
		return fmt.Sprintf("[%s] %s: %s", ev.Signal.Kind, ev.Signal.AgentID, ev.Signal.Message)
	case cluster.EventError:
		if ev.AgentID != "" {
			return fmt.Sprintf("[error] %s: %s", ev.AgentID, ev.Error)
		}
		return fmt.Sprintf("[error] %s", ev.Error)
	default:
		return ""
	}
}
