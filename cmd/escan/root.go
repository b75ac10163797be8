package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/escanlabs/escan/internal/logging"
)

var logger *zap.Logger

var rootCmd = &cobra.Command{
	Use:   "escan",
	Short: "Security-scan agent and tool runtime",
	Long: `escan serves a security-scan tool runtime: it validates scan targets
against SSRF rules, dispatches named tools under rate limits and role-based
authorization, fans out best-effort scan probes, and aggregates findings.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		logger, err = logging.New(logging.FromEnv())
		if err != nil {
			return fmt.Errorf("initializing logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			logging.Sync(logger)
		}
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
