// Package syncer drives the per-athlete sync pipeline and the background triggers that start it.
package syncer

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/stridetally/internal/activities"
	"github.com/MarcoPoloResearchLab/stridetally/internal/athletes"
	"github.com/MarcoPoloResearchLab/stridetally/internal/config"
	"github.com/MarcoPoloResearchLab/stridetally/internal/metrics"
	"github.com/MarcoPoloResearchLab/stridetally/internal/stats"
	"github.com/MarcoPoloResearchLab/stridetally/internal/strava"
	"github.com/MarcoPoloResearchLab/stridetally/internal/tokens"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	defaultConcurrency = 4
	defaultUserTimeout = 2 * time.Minute

	outcomeSucceeded = "succeeded"
	outcomeSkipped   = "skipped"
	outcomeFailed    = "failed"
)

var errMissingDependency = errors.New("syncer: orchestrator dependency is required")

// AthleteStore loads athletes.
type AthleteStore interface {
	Get(ctx context.Context, id uint) (athletes.User, error)
	List(ctx context.Context) ([]athletes.User, error)
}

// TokenSource yields a valid access token for an athlete.
type TokenSource interface {
	EnsureValidToken(ctx context.Context, user athletes.User) (string, error)
}

// ActivityFetcher lists provider activities.
type ActivityFetcher interface {
	FetchActivities(ctx context.Context, accessToken string, since time.Time) ([]strava.RawActivity, error)
}

// ActivityIngestor stores fetched activities.
type ActivityIngestor interface {
	Ingest(ctx context.Context, userID uint, raws []strava.RawActivity) (activities.IngestResult, error)
}

// StatsRecomputer rebuilds an athlete's rollup.
type StatsRecomputer interface {
	RecomputeUserStats(ctx context.Context, userID uint) (stats.UserStats, error)
}

// OrchestratorConfig wires the pipeline stages together.
type OrchestratorConfig struct {
	Athletes    AthleteStore
	Tokens      TokenSource
	Fetcher     ActivityFetcher
	Ingestor    ActivityIngestor
	Aggregator  StatsRecomputer
	Campaign    config.Campaign
	Concurrency int
	UserTimeout time.Duration
	Clock       func() time.Time
	Logger      *zap.Logger
}

// Orchestrator runs token, fetch, ingest, and recompute for athletes.
type Orchestrator struct {
	athletes    AthleteStore
	tokens      TokenSource
	fetcher     ActivityFetcher
	ingestor    ActivityIngestor
	aggregator  StatsRecomputer
	campaign    config.Campaign
	concurrency int
	userTimeout time.Duration
	now         func() time.Time
	logger      *zap.Logger

	slotsMu sync.Mutex
	slots   map[uint]*athleteSlot
}

// Result summarizes one completed athlete flow.
type Result struct {
	UserID  uint
	Fetched int
	Ingest  activities.IngestResult
	Stats   stats.UserStats
}

// Report summarizes a bulk run. Failed maps athlete ids to the error that aborted their flow.
type Report struct {
	RunID      string
	StartedAt  time.Time
	FinishedAt time.Time
	Succeeded  []uint
	Skipped    []uint
	Failed     map[uint]error
}

// NewOrchestrator validates the configuration and builds an Orchestrator.
func NewOrchestrator(cfg OrchestratorConfig) (*Orchestrator, error) {
	if cfg.Athletes == nil || cfg.Tokens == nil || cfg.Fetcher == nil || cfg.Ingestor == nil || cfg.Aggregator == nil {
		return nil, errMissingDependency
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	userTimeout := cfg.UserTimeout
	if userTimeout <= 0 {
		userTimeout = defaultUserTimeout
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		athletes:    cfg.Athletes,
		tokens:      cfg.Tokens,
		fetcher:     cfg.Fetcher,
		ingestor:    cfg.Ingestor,
		aggregator:  cfg.Aggregator,
		campaign:    cfg.Campaign,
		concurrency: concurrency,
		userTimeout: userTimeout,
		now:         clock,
		logger:      logger,
		slots:       make(map[uint]*athleteSlot),
	}, nil
}

// SyncOne runs the pipeline for one athlete. A second call for the same athlete waits until the first finishes.
func (o *Orchestrator) SyncOne(ctx context.Context, userID uint) (Result, error) {
	started := time.Now()
	release, err := o.acquire(ctx, userID)
	if err != nil {
		return Result{}, err
	}
	defer release()

	result, err := o.run(ctx, userID)
	switch {
	case err == nil:
		metrics.RecordSyncRun(outcomeSucceeded, time.Since(started))
		o.logger.Info("athlete synced",
			zap.Uint("athlete_id", userID),
			zap.Int("fetched", result.Fetched),
			zap.Int("inserted", result.Ingest.Inserted),
			zap.Int("updated", result.Ingest.Updated),
			zap.Int("malformed", result.Ingest.Malformed),
			zap.Int("filtered", result.Ingest.Filtered),
			zap.Duration("elapsed", time.Since(started)))
	case errors.Is(err, tokens.ErrMissingCredentials):
		metrics.RecordSyncRun(outcomeSkipped, time.Since(started))
		o.logger.Info("athlete skipped: missing credentials", zap.Uint("athlete_id", userID))
	default:
		metrics.RecordSyncRun(outcomeFailed, time.Since(started))
		o.logger.Warn("athlete sync failed", zap.Uint("athlete_id", userID), zap.Error(err))
	}
	return result, err
}

func (o *Orchestrator) run(ctx context.Context, userID uint) (Result, error) {
	result := Result{UserID: userID}

	user, err := o.athletes.Get(ctx, userID)
	if err != nil {
		return result, err
	}
	accessToken, err := o.tokens.EnsureValidToken(ctx, user)
	if err != nil {
		return result, err
	}
	raws, err := o.fetcher.FetchActivities(ctx, accessToken, o.campaign.Start)
	if err != nil {
		return result, err
	}
	result.Fetched = len(raws)

	result.Ingest, err = o.ingestor.Ingest(ctx, userID, raws)
	if err != nil {
		return result, err
	}
	result.Stats, err = o.aggregator.RecomputeUserStats(ctx, userID)
	if err != nil {
		return result, err
	}
	return result, nil
}

// SyncAll runs SyncOne for every athlete with bounded concurrency. Each athlete gets its own timeout
// and a failure never stops the others.
func (o *Orchestrator) SyncAll(ctx context.Context) (Report, error) {
	report := Report{Failed: make(map[uint]error)}
	runID, err := uuid.NewV7()
	if err != nil {
		return report, err
	}
	report.RunID = runID.String()
	report.StartedAt = o.now().UTC()

	users, err := o.athletes.List(ctx)
	if err != nil {
		return report, err
	}

	logger := o.logger.With(zap.String("run_id", report.RunID))
	logger.Info("bulk sync started", zap.Int("athletes", len(users)))

	var mu sync.Mutex
	group := new(errgroup.Group)
	group.SetLimit(o.concurrency)
	for _, user := range users {
		userID := user.ID
		group.Go(func() error {
			userCtx, cancel := context.WithTimeout(ctx, o.userTimeout)
			defer cancel()
			_, syncErr := o.SyncOne(userCtx, userID)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case syncErr == nil:
				report.Succeeded = append(report.Succeeded, userID)
			case errors.Is(syncErr, tokens.ErrMissingCredentials):
				report.Skipped = append(report.Skipped, userID)
			default:
				report.Failed[userID] = syncErr
			}
			return nil
		})
	}
	_ = group.Wait()

	report.FinishedAt = o.now().UTC()
	metrics.RecordSyncAllCompleted(report.FinishedAt)
	logger.Info("bulk sync finished",
		zap.Int("succeeded", len(report.Succeeded)),
		zap.Int("skipped", len(report.Skipped)),
		zap.Int("failed", len(report.Failed)))
	return report, nil
}

// athleteSlot serializes flows of one athlete. users counts holders and waiters so the entry
// can be dropped once nobody references it.
type athleteSlot struct {
	lock  chan struct{}
	users int
}

// acquire blocks until the athlete's slot is free or ctx is done.
func (o *Orchestrator) acquire(ctx context.Context, userID uint) (func(), error) {
	o.slotsMu.Lock()
	slot, ok := o.slots[userID]
	if !ok {
		slot = &athleteSlot{lock: make(chan struct{}, 1)}
		o.slots[userID] = slot
	}
	slot.users++
	o.slotsMu.Unlock()

	select {
	case slot.lock <- struct{}{}:
		return func() {
			<-slot.lock
			o.forget(userID, slot)
		}, nil
	case <-ctx.Done():
		o.forget(userID, slot)
		return nil, ctx.Err()
	}
}

func (o *Orchestrator) forget(userID uint, slot *athleteSlot) {
	o.slotsMu.Lock()
	defer o.slotsMu.Unlock()
	slot.users--
	if slot.users == 0 {
		delete(o.slots, userID)
	}
}
