package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/boardscout/pipeline/internal/seeder"
)

func newSeedCmd() *cobra.Command {
	var planPath string

	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Expands a scrape plan into queued work items",
		Long: `Reads a plan file (YAML or JSON) describing jurisdictions,
categories, sources, and geographic cells, then publishes one work item
per combination. Items already completed or in flight within the
freshness window are skipped.`,

		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			logger := appInstance.Logger()

			plan, err := loadPlan(planPath)
			if err != nil {
				return err
			}

			counts, err := appInstance.Seeder().Seed(cmd.Context(), plan)
			if err != nil {
				return fmt.Errorf("seed plan: %w", err)
			}

			logger.Info("plan seeded",
				zap.Int("queued", counts.Queued),
				zap.Int("skipped", counts.Skipped),
				zap.Int("errored", counts.Errored))
			cmd.Printf("queued=%d skipped=%d errored=%d\n", counts.Queued, counts.Skipped, counts.Errored)
			return nil
		},
	}

	cmd.Flags().StringVar(&planPath, "plan", "", "path to the scrape plan file")
	_ = cmd.MarkFlagRequired("plan")

	return cmd
}

func loadPlan(path string) (seeder.Plan, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return seeder.Plan{}, fmt.Errorf("read plan: %w", err)
	}
	var plan seeder.Plan
	if err := v.Unmarshal(&plan); err != nil {
		return seeder.Plan{}, fmt.Errorf("unmarshal plan: %w", err)
	}
	return plan, nil
}
