package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newAgentsCmd(a *app) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "agents",
		Short: "List the agent catalog and personality presets",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cat, err := loadCatalog(a.cfg)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(map[string]any{
					"lead":    cat.Lead().ID,
					"agents":  cat.List(),
					"presets": cat.Presets(),
				})
			}

			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNAME\tVOICE\tDESCRIPTION")
			for _, agent := range cat.List() {
				name := agent.Name
				if agent.Lead {
					name += " (lead)"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", agent.ID, name, agent.Voice, agent.Description)
			}
			fmt.Fprintln(tw)
			fmt.Fprintln(tw, "PRESET\tNAME\tDESCRIPTION")
			for _, p := range cat.Presets() {
				fmt.Fprintf(tw, "%s\t%s\t%s\n", p.ID, p.Name, p.Description)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print as JSON")
	return cmd
}
