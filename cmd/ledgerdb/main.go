// Command ledgerdb operates a chunked transaction-file database directly
// from the command line: recovering a directory, inspecting its chunk
// roster, and appending or reading stream events against it.
//
// Logging: a single base logger is created here and passed down to
// internal/tfdb and internal/streamlog via dependency injection. No global
// slog configuration.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"ledgerdb/internal/config"
)

var version = "dev"

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	rootCmd := &cobra.Command{
		Use:   "ledgerdb",
		Short: "Chunked transaction-file database",
	}
	rootCmd.PersistentFlags().String("dir", "", "database directory (required)")
	rootCmd.PersistentFlags().Int64("chunk-size", 256*1024*1024, "chunk body size in bytes; must match the size an existing directory was created with")
	rootCmd.PersistentFlags().String("naming", "versioned", "chunk naming strategy: versioned or prefix-only")
	rootCmd.PersistentFlags().String("prefix", "chunk-", "chunk filename prefix")
	rootCmd.PersistentFlags().Bool("verify-hash", true, "verify completed-chunk checksums on open")
	_ = rootCmd.MarkPersistentFlagRequired("dir")

	rootCmd.AddCommand(
		newRecoverCmd(logger),
		newInspectCmd(logger),
		newAppendCmd(logger),
		newReadCmd(logger),
		&cobra.Command{
			Use:   "version",
			Short: "Print version information",
			Run:   func(cmd *cobra.Command, args []string) { fmt.Println(version) },
		},
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func configFromFlags(cmd *cobra.Command) (config.Config, error) {
	dir, err := cmd.Flags().GetString("dir")
	if err != nil || dir == "" {
		return config.Config{}, fmt.Errorf("--dir is required")
	}
	chunkSize, _ := cmd.Flags().GetInt64("chunk-size")
	namingFlag, _ := cmd.Flags().GetString("naming")
	prefix, _ := cmd.Flags().GetString("prefix")
	verifyHash, _ := cmd.Flags().GetBool("verify-hash")

	naming := config.NamingVersioned
	if namingFlag == "prefix-only" {
		naming = config.NamingPrefixOnly
	}

	return config.Config{
		Dir:        dir,
		ChunkSize:  chunkSize,
		Naming:     naming,
		Prefix:     prefix,
		VerifyHash: verifyHash,
	}, nil
}
