package syncer

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/stridetally/internal/metrics"
	"github.com/MarcoPoloResearchLab/stridetally/internal/tokens"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	defaultQueueCapacity   = 256
	defaultQueueDelay      = 100 * time.Millisecond
	defaultQueueRetryDelay = time.Minute
)

var (
	// ErrQueueFull indicates the queue cannot accept more tasks.
	ErrQueueFull          = errors.New("syncer: queue is full")
	errMissingAthleteSync = errors.New("syncer: athlete syncer is required")
)

// AthleteSyncer runs one athlete flow.
type AthleteSyncer interface {
	SyncOne(ctx context.Context, userID uint) (Result, error)
}

// Task is a pending athlete sync.
type Task struct {
	ID        string
	UserID    uint
	NotBefore time.Time
	Attempt   int
}

// QueueConfig describes the Queue.
type QueueConfig struct {
	Syncer       AthleteSyncer
	Capacity     int
	Concurrency  int
	InitialDelay time.Duration
	// MaxAttempts includes the first attempt; 1 disables retries.
	MaxAttempts int
	RetryDelay  time.Duration
	Clock       func() time.Time
	Logger      *zap.Logger
}

// Queue delays and runs athlete syncs requested outside the daily schedule.
// Capacity bounds every accepted task until it finishes, including tasks waiting for
// their NotBefore and tasks rescheduled for retry. It implements suture.Service.
type Queue struct {
	syncer       AthleteSyncer
	pending      chan struct{}
	tasks        chan Task
	workers      chan struct{}
	initialDelay time.Duration
	maxAttempts  int
	retryDelay   time.Duration
	now          func() time.Time
	logger       *zap.Logger
}

// NewQueue builds a Queue.
func NewQueue(cfg QueueConfig) (*Queue, error) {
	if cfg.Syncer == nil {
		return nil, errMissingAthleteSync
	}
	capacity := cfg.Capacity
	if capacity <= 0 {
		capacity = defaultQueueCapacity
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	initialDelay := cfg.InitialDelay
	if initialDelay < 0 {
		initialDelay = defaultQueueDelay
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	retryDelay := cfg.RetryDelay
	if retryDelay <= 0 {
		retryDelay = defaultQueueRetryDelay
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{
		syncer:       cfg.Syncer,
		pending:      make(chan struct{}, capacity),
		tasks:        make(chan Task, capacity),
		workers:      make(chan struct{}, concurrency),
		initialDelay: initialDelay,
		maxAttempts:  maxAttempts,
		retryDelay:   retryDelay,
		now:          clock,
		logger:       logger,
	}, nil
}

// Enqueue schedules a sync for userID after the initial delay.
func (q *Queue) Enqueue(userID uint) (Task, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return Task{}, err
	}
	task := Task{
		ID:        id.String(),
		UserID:    userID,
		NotBefore: q.now().Add(q.initialDelay),
		Attempt:   1,
	}
	select {
	case q.pending <- struct{}{}:
	default:
		return Task{}, ErrQueueFull
	}
	// Never blocks: tasks holds at most one entry per pending slot.
	q.tasks <- task
	metrics.SetQueueDepth(len(q.pending))
	return task, nil
}

// Len reports the number of accepted tasks that have not finished.
func (q *Queue) Len() int {
	return len(q.pending)
}

func (q *Queue) release() {
	<-q.pending
	metrics.SetQueueDepth(len(q.pending))
}

// Serve runs tasks until ctx is cancelled, then waits for in-flight tasks to stop.
func (q *Queue) Serve(ctx context.Context) error {
	var inFlight sync.WaitGroup
	defer inFlight.Wait()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case task := <-q.tasks:
			inFlight.Add(1)
			go func() {
				defer inFlight.Done()
				if !q.run(ctx, task) {
					q.release()
				}
			}()
		}
	}
}

// String names the service for supervisor logs.
func (q *Queue) String() string {
	return "sync-queue"
}

// run executes one attempt and reports whether the task was handed back to the queue for a retry,
// in which case it keeps its pending slot.
func (q *Queue) run(ctx context.Context, task Task) bool {
	if wait := task.NotBefore.Sub(q.now()); wait > 0 {
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return false
		case <-timer.C:
		}
	}

	select {
	case q.workers <- struct{}{}:
	case <-ctx.Done():
		return false
	}
	defer func() { <-q.workers }()

	logger := q.logger.With(
		zap.String("task_id", task.ID),
		zap.Uint("athlete_id", task.UserID),
		zap.Int("attempt", task.Attempt))

	_, err := q.syncer.SyncOne(ctx, task.UserID)
	if err == nil || errors.Is(err, tokens.ErrMissingCredentials) || ctx.Err() != nil {
		return false
	}
	if task.Attempt >= q.maxAttempts {
		logger.Warn("sync task exhausted attempts", zap.Error(err))
		return false
	}

	retry := task
	retry.Attempt++
	retry.NotBefore = q.now().Add(q.retryDelay)
	q.tasks <- retry
	logger.Info("sync task rescheduled", zap.Time("not_before", retry.NotBefore), zap.Error(err))
	return true
}
