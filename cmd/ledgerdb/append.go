package main

import (
	"fmt"
	"log/slog"
	"strconv"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"ledgerdb/internal/streamlog"
	"ledgerdb/internal/tfdb"
)

func parseExpectedVersion(s string) (streamlog.ExpectedVersion, error) {
	switch s {
	case "any":
		return streamlog.ExpectedAny, nil
	case "no-stream":
		return streamlog.ExpectedNoStream, nil
	case "stream-exists":
		return streamlog.ExpectedStreamExists, nil
	default:
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid --expected %q: must be any, no-stream, stream-exists, or a non-negative integer", s)
		}
		return streamlog.ExpectedVersion(n), nil
	}
}

func newAppendCmd(logger *slog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "append",
		Short: "Append one event to a stream",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := configFromFlags(cmd)
			if err != nil {
				return err
			}
			stream, _ := cmd.Flags().GetString("stream")
			eventType, _ := cmd.Flags().GetString("type")
			data, _ := cmd.Flags().GetString("data")
			expectedFlag, _ := cmd.Flags().GetString("expected")
			if stream == "" {
				return fmt.Errorf("--stream is required")
			}
			expected, err := parseExpectedVersion(expectedFlag)
			if err != nil {
				return err
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

			res, err := sl.Append(stream, expected, []streamlog.Event{
				{EventID: uuid.New(), EventType: eventType, Data: []byte(data)},
			})
			if err != nil {
				return err
			}
			fmt.Printf("event number %d (idempotent=%v)\n", res.FirstEventNumber, res.IsIdempotent)
			return nil
		},
	}
	cmd.Flags().String("stream", "", "stream id (required)")
	cmd.Flags().String("type", "Event", "event type")
	cmd.Flags().String("data", "", "event payload")
	cmd.Flags().String("expected", "any", "expected version: any, no-stream, stream-exists, or an event number")
	return cmd
}
