package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"ledgerdb/internal/tfdb"
)

func newRecoverCmd(logger *slog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "recover",
		Short: "Validate and recover a database directory, reporting its checkpoints",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := configFromFlags(cmd)
			if err != nil {
				return err
			}
			db, err := tfdb.Open(cfg, logger)
			if err != nil {
				return fmt.Errorf("open %s: %w", cfg.Dir, err)
			}
			defer db.Close()

			writer, err := db.Writer()
			if err != nil {
				return err
			}
			roster := db.Roster()
			fmt.Printf("recovered %s\n", cfg.Dir)
			fmt.Printf("writer checkpoint: %d\n", writer)
			fmt.Printf("chunks: %d\n", len(roster))
			return nil
		},
	}
}
