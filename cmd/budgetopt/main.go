// Command budgetopt optimizes a marketing budget described by a scenario file
// and prints or writes the optimized allocation.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/copyleftdev/budgetopt/internal/logging"
	"github.com/copyleftdev/budgetopt/internal/optimization"
)

// Exit codes
const (
	exitSuccess = 0
	exitError   = 1
	// exitInvalid reports a scenario that could not be built
	exitInvalid = 2
)

type rootOptions struct {
	logLevel  string
	logFormat string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "budgetopt",
		Short:         "Optimize marketing budgets against a response model",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "warn", "log level (debug, info, warn, error)")
	cmd.PersistentFlags().StringVar(&opts.logFormat, "log-format", "text", "log format (text, json)")

	cmd.AddCommand(newOptimizeCmd(opts), newValidateCmd(opts))
	return cmd
}

// logger writes to stderr so results on stdout stay machine readable
func (o *rootOptions) logger() (*logging.Logger, error) {
	return logging.NewLogger(&logging.Config{
		Level:  o.logLevel,
		Format: o.logFormat,
		Output: "stderr",
	})
}

func exitCode(err error) int {
	switch {
	case err == nil:
		return exitSuccess
	case errors.Is(err, optimization.ErrConfiguration):
		return exitInvalid
	default:
		return exitError
	}
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCode(err))
	}
}
