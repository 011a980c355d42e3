package main

import (
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/riskengine/internal/classifier"
)

var classifyCmd = &cobra.Command{
	Use:   "classify",
	Short: "Classify and restamp locations and work packages",
	Long:  "Without --location or --work-package, restamps every location and work package of the tenant.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		tenant, _ := cmd.Flags().GetString("tenant")
		location, _ := cmd.Flags().GetString("location")
		workPackage, _ := cmd.Flags().GetString("work-package")

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		var results []classifier.Result
		switch {
		case location != "":
			res, err := env.Classifier.Location(ctx, tenant, location)
			if err != nil {
				return eris.Wrap(err, "classify location")
			}
			results = append(results, res)
		case workPackage != "":
			res, err := env.Classifier.WorkPackage(ctx, tenant, workPackage)
			if err != nil {
				return eris.Wrap(err, "classify work package")
			}
			results = append(results, res)
		default:
			results, err = env.Classifier.Tenant(ctx, tenant)
			if err != nil {
				return eris.Wrap(err, "classify tenant")
			}
		}

		zap.L().Info("classification complete",
			zap.String("tenant_id", tenant),
			zap.Int("entities", len(results)),
		)
		return printJSON(os.Stdout, results)
	},
}

func init() {
	classifyCmd.Flags().String("tenant", "", "tenant ID (required)")
	classifyCmd.Flags().String("location", "", "classify a single location")
	classifyCmd.Flags().String("work-package", "", "classify a single work package")
	_ = classifyCmd.MarkFlagRequired("tenant")
	classifyCmd.MarkFlagsMutuallyExclusive("location", "work-package")
	rootCmd.AddCommand(classifyCmd)
}
