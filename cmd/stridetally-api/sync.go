package main

import (
	"fmt"
	"sort"

	"github.com/MarcoPoloResearchLab/stridetally/internal/config"
	"github.com/MarcoPoloResearchLab/stridetally/internal/database"
	"github.com/MarcoPoloResearchLab/stridetally/internal/logging"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

func newSyncCommand() *cobra.Command {
	var athleteID uint
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one sync pass for every athlete, or for one athlete with --athlete",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			logger, err := logging.NewLogger(appConfig.LogLevel)
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
			if err != nil {
				return err
			}
			sqlDB, err := db.DB()
			if err != nil {
				return err
			}
			defer sqlDB.Close()

			components, err := buildPipeline(appConfig, db, logger)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			if athleteID != 0 {
				result, err := components.orchestrator.SyncOne(ctx, athleteID)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "athlete %d: fetched=%d inserted=%d updated=%d malformed=%d filtered=%d\n",
					athleteID, result.Fetched, result.Ingest.Inserted, result.Ingest.Updated, result.Ingest.Malformed, result.Ingest.Filtered)
				return nil
			}

			report, err := components.orchestrator.SyncAll(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "run %s: succeeded=%d skipped=%d failed=%d\n",
				report.RunID, len(report.Succeeded), len(report.Skipped), len(report.Failed))

			failedIDs := make([]uint, 0, len(report.Failed))
			for id := range report.Failed {
				failedIDs = append(failedIDs, id)
			}
			sort.Slice(failedIDs, func(i, j int) bool { return failedIDs[i] < failedIDs[j] })
			for _, id := range failedIDs {
				logger.Warn("athlete sync failed", zap.Uint("athlete_id", id), zap.Error(report.Failed[id]))
			}
			if len(report.Failed) > 0 {
				return fmt.Errorf("%d athlete syncs failed", len(report.Failed))
			}
			return nil
		},
	}
	cmd.Flags().UintVar(&athleteID, "athlete", 0, "Sync only this athlete id")
	return cmd
}
