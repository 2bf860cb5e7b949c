package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/stridetally/internal/auth"
	"github.com/MarcoPoloResearchLab/stridetally/internal/config"
	"github.com/MarcoPoloResearchLab/stridetally/internal/database"
	"github.com/MarcoPoloResearchLab/stridetally/internal/logging"
	"github.com/MarcoPoloResearchLab/stridetally/internal/server"
	"github.com/MarcoPoloResearchLab/stridetally/internal/syncer"
	"github.com/spf13/viper"
	"github.com/thejerf/suture/v4"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

func runServer(ctx context.Context) error {
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

	validator, err := auth.NewServiceValidator(auth.ServiceValidatorConfig{
		SigningSecret: []byte(appConfig.Auth.SigningSecret),
		Issuer:        appConfig.Auth.Issuer,
	})
	if err != nil {
		return err
	}

	queue, err := syncer.NewQueue(syncer.QueueConfig{
		Syncer:       components.orchestrator,
		Capacity:     appConfig.Queue.Capacity,
		Concurrency:  appConfig.Sync.Concurrency,
		InitialDelay: appConfig.Queue.InitialDelay,
		MaxAttempts:  appConfig.Queue.MaxAttempts,
		RetryDelay:   appConfig.Queue.RetryDelay,
		Logger:       logger.Named("queue"),
	})
	if err != nil {
		return err
	}

	schedule, err := syncer.NewDailySchedule(components.orchestrator, appConfig.Sync.DailyAt, nil, logger.Named("schedule"))
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Athletes:      components.athletes,
		Stats:         components.aggregator,
		Queue:         queue,
		Syncer:        components.orchestrator,
		Authenticator: validator,
		BaseContext:   ctx,
		Logger:        logger.Named("http"),
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	supervisor := newSupervisor(logger.Named("supervisor"))
	supervisor.Add(queue)
	supervisor.Add(schedule)
	supervisor.Add(server.NewHTTPService(httpServer, shutdownTimeout))

	logger.Info("server starting",
		zap.String("address", appConfig.HTTPAddress),
		zap.Time("campaign_start", appConfig.Campaign.Start),
		zap.Duration("daily_at", appConfig.Sync.DailyAt))

	err = supervisor.Serve(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func newSupervisor(logger *zap.Logger) *suture.Supervisor {
	return suture.New("stridetally", suture.Spec{
		EventHook: func(event suture.Event) {
			fields := []zap.Field{zap.Int("event_type", int(event.Type()))}
			for key, value := range event.Map() {
				fields = append(fields, zap.Any(key, value))
			}
			logger.Warn(event.String(), fields...)
		},
		Timeout: shutdownTimeout,
	})
}
