package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/copyleftdev/budgetopt/internal/budget"
	"github.com/copyleftdev/budgetopt/internal/frame"
	"github.com/copyleftdev/budgetopt/internal/logging"
	"github.com/copyleftdev/budgetopt/internal/scenario"
)

type optimizeOptions struct {
	*rootOptions
	file    string
	output  string
	json    bool
	maxIter int
	disp    bool
	timeout time.Duration
}

func newOptimizeCmd(root *rootOptions) *cobra.Command {
	opts := &optimizeOptions{rootOptions: root}
	cmd := &cobra.Command{
		Use:   "optimize",
		Short: "Run the optimizer on a scenario",
		Long: `Run the optimizer on a scenario file and print a summary of the
optimized allocation. With --output the full spend matrix, optimized periods
included, is written as CSV ("-" writes to stdout).

Interrupting the run stops the solver and reports the best allocation found.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runOptimize(cmd, opts)
		},
	}
	cmd.Flags().StringVarP(&opts.file, "file", "f", "", "scenario file (YAML, or JSON with a .json extension)")
	cmd.Flags().StringVarP(&opts.output, "output", "o", "", "write the optimized spend matrix as CSV")
	cmd.Flags().BoolVar(&opts.json, "json", false, "print the result as JSON")
	cmd.Flags().IntVar(&opts.maxIter, "maxiter", 0, "override the scenario's maximum solver iterations")
	cmd.Flags().BoolVar(&opts.disp, "disp", false, "log every solver iteration")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 0, "stop the solver after this long")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func runOptimize(cmd *cobra.Command, opts *optimizeOptions) error {
	// solver iterations are logged at info
	if opts.disp && !cmd.Flags().Changed("log-level") {
		opts.logLevel = "info"
	}
	logger, err := opts.logger()
	if err != nil {
		return err
	}

	sc, err := scenario.Load(opts.file)
	if err != nil {
		return err
	}
	if opts.maxIter > 0 {
		sc.Options.MaxIter = opts.maxIter
	}
	if opts.disp {
		sc.Options.Disp = true
	}

	plan, err := sc.Build(logging.NewZapLogger(logger.WithField("scenario", sc.Name)))
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()
	if opts.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.timeout)
		defer cancel()
	}

	res, runErr := plan.Run(ctx)
	if res == nil {
		return runErr
	}
	if runErr != nil {
		logger.WithError(runErr).Warn("solver stopped early, reporting the best allocation found")
	}

	if opts.output != "" {
		if err := writeFrame(cmd.OutOrStdout(), opts.output, res.Frame); err != nil {
			return err
		}
	}

	out := cmd.OutOrStdout()
	if opts.output == "-" {
		out = cmd.ErrOrStderr()
	}
	if opts.json {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(res); err != nil {
			return err
		}
	} else {
		printSummary(out, plan, res)
	}
	return runErr
}

func writeFrame(stdout io.Writer, path string, f *frame.Frame) error {
	if path == "-" {
		return frame.WriteCSV(stdout, f, nil)
	}
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := frame.WriteCSV(file, f, nil); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}

func printSummary(w io.Writer, plan *scenario.Plan, res *budget.Result) {
	name := plan.Name
	if name == "" {
		name = "scenario"
	}
	fmt.Fprintf(w, "%s: %s after %d iterations (%d evaluations, %s)\n",
		name, res.StatusName, res.Iterations, res.Evaluations, res.Runtime.Round(time.Millisecond))

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(tw, "\tbaseline\toptimized\tchange\t")
	fmt.Fprintf(tw, "kpi\t%.2f\t%.2f\t%+.2f%%\t\n", res.BaselineKPI, res.OptimizedKPI, 100*res.Lift())
	fmt.Fprintf(tw, "spend\t%.2f\t%.2f\t%+.2f\t\n", res.BaselineSpend, res.OptimizedSpend, res.OptimizedSpend-res.BaselineSpend)
	_ = tw.Flush()

	totals := make(map[string][2]float64, len(plan.Channels))
	for _, c := range res.Cells {
		t := totals[c.Channel]
		t[0] += c.Baseline
		t[1] += c.Optimized
		totals[c.Channel] = t
	}
	fmt.Fprintln(w)
	tw = tabwriter.NewWriter(w, 0, 0, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(tw, "channel\tbaseline\toptimized\t")
	for _, ch := range plan.Channels {
		t := totals[ch]
		fmt.Fprintf(tw, "%s\t%.2f\t%.2f\t\n", ch, t[0], t[1])
	}
	_ = tw.Flush()

	for _, c := range res.Constraints {
		state := "ok"
		if !c.Satisfied {
			state = fmt.Sprintf("violated by %.4g", c.Violation)
		}
		fmt.Fprintf(w, "constraint %s (%s): %s\n", c.Name, c.Kind, state)
	}
	for _, warning := range res.Warnings {
		fmt.Fprintf(w, "warning: %s\n", warning)
	}
}
