package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/vango-go/vai-cluster/pkg/cluster/roundtable"
)

func newRoundtableCmd(a *app) *cobra.Command {
	var (
		participants []string
		rounds       int
		asJSON       bool
	)
	cmd := &cobra.Command{
		Use:   "roundtable <topic>",
		Short: "Research, discuss and summarize a topic with the agents in text",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			topic := strings.TrimSpace(strings.Join(args, " "))
			if topic == "" {
				return errors.New("topic must not be empty")
			}
			if a.deps.newGenerator == nil {
				return errors.New("missing newGenerator dependency")
			}
			cat, err := loadCatalog(a.cfg)
			if err != nil {
				return err
			}
			gen, err := a.deps.newGenerator(cmd.Context(), a.cfg)
			if err != nil {
				return err
			}
			if rounds <= 0 {
				rounds = a.cfg.Roundtable.Rounds
			}

			out := cmd.OutOrStdout()
			printed := 0
			runner, err := roundtable.New(cat, gen, roundtable.Config{
				Rounds:       rounds,
				Pause:        a.cfg.Roundtable.Pause,
				Participants: participants,
				Logger:       a.logger,
				OnProgress: func(s roundtable.Session) {
					if asJSON {
						return
					}
					for ; printed < len(s.Discussion); printed++ {
						m := s.Discussion[printed]
						name := m.AgentID
						if agent, ok := cat.Get(m.AgentID); ok {
							name = agent.Name
						}
						fmt.Fprintf(out, "[round %d] %s: %s\n\n", m.Round, name, m.Text)
					}
				},
			})
			if err != nil {
				return err
			}

			if !asJSON {
				fmt.Fprintf(out, "Roundtable: %s\n\n", topic)
			}
			session, err := runner.Run(cmd.Context(), topic)
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(session)
			}
			fmt.Fprintf(out, "## Summary\n\n%s\n", session.Summary)
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&participants, "agents", nil, "participating agent ids (defaults to every agent)")
	cmd.Flags().IntVar(&rounds, "rounds", 0, "discussion rounds (defaults to roundtable.rounds)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the whole session as JSON")
	return cmd
}
