package cmd

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/app-usage-collector/internal/config"
	"github.com/JakeFAU/app-usage-collector/internal/storage/postgres"
)

// newMigrateCmd creates the 'migrate' subcommand that applies the embedded schema.
func newMigrateCmd() *cobra.Command {
	var steps int
	cmd := &cobra.Command{
		Use:         "migrate [up|down]",
		Short:       "Apply or roll back database migrations",
		Args:        cobra.MatchAll(cobra.MaximumNArgs(1), cobra.OnlyValidArgs),
		ValidArgs:   []string{postgres.DirectionUp, postgres.DirectionDown},
		Annotations: map[string]string{skipAppAnnotation: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := resolveConfig(cmd.Context())
			if err != nil {
				return err
			}
			direction := postgres.DirectionUp
			if len(args) == 1 {
				direction = args[0]
			}
			if cfg.DB.Driver == config.DriverMemory {
				logger.Info("memory driver has no schema; nothing to migrate")
				return nil
			}
			if err := cfg.ValidateStore(); err != nil {
				return err
			}
			if err := postgres.Migrate(cfg.DB.DSN, direction, steps); err != nil {
				return err
			}
			logger.Info("migrations applied", zap.String("direction", direction), zap.Int("steps", steps))
			return nil
		},
	}
	cmd.Flags().IntVar(&steps, "steps", 0, "number of migrations to apply or roll back (0 = all)")
	return cmd
}
