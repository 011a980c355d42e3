package main

import (
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
)

var explainCmd = &cobra.Command{
	Use:   "explain <metric-kind>",
	Short: "Dry-run a metric and print its input tree as JSON",
	Long:  "Computes the metric as it would be computed now without storing it. Absent inputs appear as typed missing nodes; --depth recurses into each input.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		kind, subject, before, err := subjectFromFlags(cmd, args[0])
		if err != nil {
			return err
		}
		depth, _ := cmd.Flags().GetInt("depth")
		if depth < 0 {
			return eris.New("--depth must not be negative")
		}

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		tree, err := env.Engine.Explain(ctx, kind, subject, before, depth)
		if err != nil {
			return eris.Wrap(err, "explain")
		}
		return printJSON(os.Stdout, tree)
	},
}

var latestCmd = &cobra.Command{
	Use:   "latest <metric-kind>",
	Short: "Print the latest stored row of a metric",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		kind, subject, before, err := subjectFromFlags(cmd, args[0])
		if err != nil {
			return err
		}

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		row, err := env.Engine.Latest(ctx, kind, subject, before)
		if err != nil {
			return err
		}
		return printJSON(os.Stdout, row)
	},
}

func init() {
	addSubjectFlags(explainCmd)
	explainCmd.Flags().Int("depth", 1, "levels of inputs to explain recursively")
	addSubjectFlags(latestCmd)
	rootCmd.AddCommand(explainCmd)
	rootCmd.AddCommand(latestCmd)
}
