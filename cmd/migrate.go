package main

import (
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/riskengine/internal/entity"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create the tables of every configured backend",
	Long:  "Creates metric, queue, tenant config and entity tables as the configured drivers require. --seed loads a fixture into the Postgres entity tables.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		if err := env.Migrate(ctx); err != nil {
			return eris.Wrap(err, "migrate")
		}
		zap.L().Info("migrations applied")

		seed, _ := cmd.Flags().GetString("seed")
		if seed == "" {
			return nil
		}
		pg, ok := env.Entities.(*entity.Postgres)
		if !ok {
			return eris.New("--seed requires entities.driver=postgres")
		}
		f, err := entity.LoadFixture(seed)
		if err != nil {
			return err
		}
		if err := pg.Seed(ctx, f); err != nil {
			return eris.Wrap(err, "seed entities")
		}
		zap.L().Info("entities seeded", zap.String("fixture", seed))
		return nil
	},
}

func init() {
	migrateCmd.Flags().String("seed", "", "fixture YAML to load into the entity tables")
	rootCmd.AddCommand(migrateCmd)
}
