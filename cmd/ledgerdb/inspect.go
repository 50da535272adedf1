package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"ledgerdb/internal/tfdb"
)

func newInspectCmd(logger *slog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "inspect",
		Short: "List the chunk roster of a database directory",
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

			for _, c := range db.Roster() {
				state := "completed"
				if c.Ongoing {
					state = "ongoing"
				} else if !c.Completed {
					state = "unknown"
				}
				fmt.Printf("%-6d .. %-6d  %-10s %s\n", c.Start, c.End, state, c.Path)
			}
			return nil
		},
	}
}
