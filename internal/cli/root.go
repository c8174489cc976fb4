// Package cli provides the millctl command-line interface, which runs the downtime
// analyzers over an event log file without a database.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Execute runs the root command and returns the exit code.
func Execute() int {
	if err := NewRootCommand().Execute(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

// NewRootCommand creates the root cobra command.
func NewRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "millctl",
		Short: "Analyze mill downtime sequences offline",
		Long: `millctl runs the rapid recurrence and downtime transition reports over an
event log exported from the line controllers (.json or .xlsx) and prints the
same JSON the HTTP API returns, or writes the workbook export with --xlsx.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(NewRecurrenceCommand())
	rootCmd.AddCommand(NewTransitionsCommand())

	return rootCmd
}
