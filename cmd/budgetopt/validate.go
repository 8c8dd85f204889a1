package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/copyleftdev/budgetopt/internal/logging"
	"github.com/copyleftdev/budgetopt/internal/scenario"
)

func newValidateCmd(root *rootOptions) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check a scenario without running the optimizer",
		Long: `Check a scenario: read the spend data, build the horizon and the model,
and resolve the objective, parametrization and constraints.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger, err := root.logger()
			if err != nil {
				return err
			}
			sc, err := scenario.Load(file)
			if err != nil {
				return err
			}
			plan, err := sc.Build(logging.NewZapLogger(logger))
			if err != nil {
				return err
			}
			rows, cols := plan.Frame.Dims()
			fmt.Fprintf(cmd.OutOrStdout(), "%s: ok (%d rows, %d columns, %d periods, %d channels, objective %s, parametrization %s, %d constraints)\n",
				file, rows, cols, len(plan.Horizon), len(plan.Channels),
				plan.Config.Objective.Name(), plan.Config.Parametrization.Name(), len(plan.Config.Constraints))
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "scenario file (YAML, or JSON with a .json extension)")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}
