package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var reactorCmd = &cobra.Command{
	Use:   "reactor",
	Short: "Run the trigger worker loop until interrupted",
	Long:  "Dequeues triggers in batches, recomputes the affected metrics in dependency order, and restamps risk levels. SIGINT/SIGTERM stops dequeuing and nacks unfinished work.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		if w, _ := cmd.Flags().GetInt("workers"); w > 0 {
			cfg.Reactor.Workers = w
		}

		env.runBackground(ctx)
		zap.L().Info("starting reactor",
			zap.Int("workers", cfg.Reactor.Workers),
			zap.Int("batch_size", cfg.Queue.BatchSize),
		)
		if err := env.Reactor().Run(ctx); err != nil {
			return eris.Wrap(err, "reactor")
		}
		zap.L().Info("reactor stopped")
		return nil
	},
}

var drainCmd = &cobra.Command{
	Use:   "drain",
	Short: "Process pending triggers until the queue is empty, then exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		report, err := env.Reactor().Drain(ctx)
		if err != nil {
			return eris.Wrap(err, "drain")
		}
		return printJSON(os.Stdout, report)
	},
}

func init() {
	reactorCmd.Flags().Int("workers", 0, "concurrent batch workers (default from config)")
	rootCmd.AddCommand(reactorCmd)
	rootCmd.AddCommand(drainCmd)
}
