package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"phaseforge/internal/store"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the database schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		st, err := store.Open(cfg.Database, log)
		if err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		defer st.Close()
		fmt.Fprintf(cmd.OutOrStdout(), "Schema up to date (%s).\n", driverName(cfg.Database.Driver))
		return nil
	},
}

func driverName(d string) string {
	if d == "" {
		return "sqlite"
	}
	return d
}
