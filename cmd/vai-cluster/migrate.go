package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/vango-go/vai-cluster/pkg/config"
	"github.com/vango-go/vai-cluster/pkg/store"
)

func newMigrateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			url := strings.TrimSpace(a.cfg.Database.URL)
			if url == "" {
				return fmt.Errorf("%s_DATABASE_URL must be set to migrate", config.EnvPrefix)
			}
			if a.deps.openStore == nil {
				return errors.New("missing openStore dependency")
			}
			st, err := a.deps.openStore(cmd.Context(), url, a.logger)
			if err != nil {
				return err
			}
			defer st.Close()
			if err := store.Migrate(cmd.Context(), st.Pool(), a.logger); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
			return nil
		},
	}
}
