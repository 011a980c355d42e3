package main

import (
	"fmt"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/riskengine/internal/trigger"
)

var enqueueCmd = &cobra.Command{
	Use:   "enqueue <kind> <entity-id>...",
	Short: "Publish change triggers for one or more entities",
	Long:  "Publishes one trigger per entity ID. Kind is one of the trigger kinds, e.g. TaskChanged or SupervisorChanged.",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		kind, err := trigger.ParseKind(args[0])
		if err != nil {
			return err
		}
		tenant, _ := cmd.Flags().GetString("tenant")

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		for _, id := range args[1:] {
			t := trigger.New(kind, tenant, id)
			if err := env.Queue.Enqueue(ctx, t); err != nil {
				return eris.Wrapf(err, "enqueue %s", t)
			}
			zap.L().Debug("trigger enqueued", t.Fields()...)
			fmt.Fprintln(os.Stdout, t.ID)
		}
		return nil
	},
}

func init() {
	enqueueCmd.Flags().String("tenant", "", "tenant ID (required)")
	_ = enqueueCmd.MarkFlagRequired("tenant")
	rootCmd.AddCommand(enqueueCmd)
}
