package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/loopgate/internal/config"
	"github.com/nextlevelbuilder/loopgate/internal/store/sqlite"
)

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations and exit",
		Run: func(cmd *cobra.Command, args []string) {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				fmt.Fprintf(os.Stderr, "load config: %v\n", err)
				os.Exit(1)
			}
			// Open runs the embedded migrations itself.
			db, err := sqlite.Open(cfg.DatabasePath())
			if err != nil {
				fmt.Fprintf(os.Stderr, "migrate: %v\n", err)
				os.Exit(1)
			}
			defer db.Close()
			fmt.Printf("database up to date: %s\n", cfg.DatabasePath())
		},
	}
}
