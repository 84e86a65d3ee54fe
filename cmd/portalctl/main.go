// Command portalctl runs operator tasks against the portal's database and
// shared stores.
package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

func newRootCmd(logger *slog.Logger) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "portalctl",
		Short:         "Operator tooling for the QBH portal",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.AddCommand(
		newMigrateCmd(logger),
		newRotateSecretCmd(logger),
		newGeneratePasswordCmd(),
		newHashPasswordCmd(),
	)
	return rootCmd
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))

	if err := newRootCmd(logger).Execute(); err != nil {
		logger.Error("command failed", slog.Any("error", err))
		os.Exit(1)
	}
}
