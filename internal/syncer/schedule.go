package syncer

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

var errMissingBulkSync = errors.New("syncer: bulk syncer is required")

// BulkSyncer runs a sync for every athlete.
type BulkSyncer interface {
	SyncAll(ctx context.Context) (Report, error)
}

// DailySchedule triggers SyncAll once a day at a fixed UTC time of day. It implements suture.Service.
type DailySchedule struct {
	syncer BulkSyncer
	at     time.Duration
	now    func() time.Time
	logger *zap.Logger
}

// NewDailySchedule builds a DailySchedule firing at offset past midnight UTC.
func NewDailySchedule(syncer BulkSyncer, offset time.Duration, clock func() time.Time, logger *zap.Logger) (*DailySchedule, error) {
	if syncer == nil {
		return nil, errMissingBulkSync
	}
	if offset < 0 || offset >= 24*time.Hour {
		offset = 0
	}
	if clock == nil {
		clock = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DailySchedule{syncer: syncer, at: offset, now: clock, logger: logger}, nil
}

// NextRun returns the first firing instant strictly after from.
func (d *DailySchedule) NextRun(from time.Time) time.Time {
	utc := from.UTC()
	midnight := time.Date(utc.Year(), utc.Month(), utc.Day(), 0, 0, 0, 0, time.UTC)
	next := midnight.Add(d.at)
	if !next.After(utc) {
		next = midnight.AddDate(0, 0, 1).Add(d.at)
	}
	return next
}

// Serve waits for each firing instant and runs SyncAll until ctx is cancelled.
func (d *DailySchedule) Serve(ctx context.Context) error {
	for {
		next := d.NextRun(d.now())
		d.logger.Debug("next daily sync scheduled", zap.Time("at", next))
		timer := time.NewTimer(next.Sub(d.now()))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		report, err := d.syncer.SyncAll(ctx)
		if err != nil {
			d.logger.Error("daily sync failed", zap.Error(err))
			continue
		}
		d.logger.Info("daily sync completed",
			zap.String("run_id", report.RunID),
			zap.Int("failed", len(report.Failed)))
	}
}

// String names the service for supervisor logs.
func (d *DailySchedule) String() string {
	return "daily-sync"
}
