package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"ledgerdb/internal/streamlog"
	"ledgerdb/internal/tfdb"
)

func newReadCmd(logger *slog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "read",
		Short: "Read events from a stream",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := configFromFlags(cmd)
			if err != nil {
				return err
			}
			stream, _ := cmd.Flags().GetString("stream")
			from, _ := cmd.Flags().GetInt64("from")
			count, _ := cmd.Flags().GetInt("count")
			if stream == "" {
				return fmt.Errorf("--stream is required")
			}

			db, err := tfdb.Open(cfg, logger)
			if err != nil {
				return fmt.Errorf("open %s: %w", cfg.Dir, err)
			}
			defer db.Close()
			sl, err := streamlog.Open(db, logger)
			if err != nil {
				return fmt.Errorf("replay stream index: %w", err)
			}

			events, err := sl.ReadStream(stream, from, count)
			if err != nil {
				return err
			}
			for _, e := range events {
				fmt.Printf("%d\t%s\t%s\t%q\n", e.EventNumber, e.EventID, e.EventType, e.Data)
			}
			return nil
		},
	}
	cmd.Flags().String("stream", "", "stream id (required)")
	cmd.Flags().Int64("from", 0, "first event number to read")
	cmd.Flags().Int("count", 100, "maximum number of events to read")
	return cmd
}
