package main

import (
	"github.com/MarcoPoloResearchLab/stridetally/internal/activities"
	"github.com/MarcoPoloResearchLab/stridetally/internal/athletes"
	"github.com/MarcoPoloResearchLab/stridetally/internal/config"
	"github.com/MarcoPoloResearchLab/stridetally/internal/stats"
	"github.com/MarcoPoloResearchLab/stridetally/internal/strava"
	"github.com/MarcoPoloResearchLab/stridetally/internal/syncer"
	"github.com/MarcoPoloResearchLab/stridetally/internal/tokens"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type pipeline struct {
	athletes     *athletes.Service
	aggregator   *stats.Aggregator
	orchestrator *syncer.Orchestrator
}

func buildPipeline(appConfig config.AppConfig, db *gorm.DB, logger *zap.Logger) (pipeline, error) {
	athleteService, err := athletes.NewService(athletes.ServiceConfig{
		Database: db,
		Logger:   logger.Named("athletes"),
	})
	if err != nil {
		return pipeline{}, err
	}

	stravaClient, err := strava.NewClient(strava.ClientConfig{
		ClientID:          appConfig.Strava.ClientID,
		ClientSecret:      appConfig.Strava.ClientSecret,
		APIURL:            appConfig.Strava.APIURL,
		TokenURL:          appConfig.Strava.TokenURL,
		RequestsPerMinute: appConfig.Strava.RequestsPerMinute,
		PageSize:          appConfig.Sync.PageSize,
		MaxPages:          appConfig.Sync.MaxPages,
		Logger:            logger.Named("strava"),
	})
	if err != nil {
		return pipeline{}, err
	}

	tokenManager, err := tokens.NewManager(tokens.ManagerConfig{
		Refresher: stravaClient,
		Store:     athleteService,
		Logger:    logger.Named("tokens"),
	})
	if err != nil {
		return pipeline{}, err
	}

	ingestor, err := activities.NewIngestor(activities.IngestorConfig{
		Database: db,
		Campaign: appConfig.Campaign,
		Logger:   logger.Named("activities"),
	})
	if err != nil {
		return pipeline{}, err
	}

	aggregator, err := stats.NewAggregator(stats.AggregatorConfig{
		Database: db,
		Campaign: appConfig.Campaign,
		Logger:   logger.Named("stats"),
	})
	if err != nil {
		return pipeline{}, err
	}

	orchestrator, err := syncer.NewOrchestrator(syncer.OrchestratorConfig{
		Athletes:    athleteService,
		Tokens:      tokenManager,
		Fetcher:     stravaClient,
		Ingestor:    ingestor,
		Aggregator:  aggregator,
		Campaign:    appConfig.Campaign,
		Concurrency: appConfig.Sync.Concurrency,
		UserTimeout: appConfig.Sync.UserTimeout,
		Logger:      logger.Named("syncer"),
	})
	if err != nil {
		return pipeline{}, err
	}

	return pipeline{
		athletes:     athleteService,
		aggregator:   aggregator,
		orchestrator: orchestrator,
	}, nil
}
