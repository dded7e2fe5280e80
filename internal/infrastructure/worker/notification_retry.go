package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// NotificationRetrier re-sends failed approver notifications
type NotificationRetrier interface {
	RetryFailed(ctx context.Context, maxAttempts, limit int) (int, error)
}

// RetryConfig holds the retry worker settings
type RetryConfig struct {
	// Interval between passes; zero disables the worker
	Interval    time.Duration
	MaxAttempts int
	BatchSize   int
}

// DefaultRetryConfig returns the settings used when none are configured
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		Interval:    time.Minute,
		MaxAttempts: 5,
		BatchSize:   50,
	}
}

// NotificationRetryWorker periodically retries FAILED notifications
type NotificationRetryWorker struct {
	config  RetryConfig
	retrier NotificationRetrier
	logger  *zap.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewNotificationRetryWorker creates the worker
func NewNotificationRetryWorker(config RetryConfig, retrier NotificationRetrier, logger *zap.Logger) *NotificationRetryWorker {
	return &NotificationRetryWorker{
		config:  config,
		retrier: retrier,
		logger:  logger,
	}
}

// Name implements Worker
func (w *NotificationRetryWorker) Name() string {
	return "NotificationRetryWorker"
}

// Start launches the polling loop; it is a no-op when the interval is zero
func (w *NotificationRetryWorker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.cancel != nil {
		return fmt.Errorf("notification retry worker already running")
	}
	if w.config.Interval <= 0 {
		w.logger.Info("Notification retry disabled")
		return nil
	}

	loopCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.done = make(chan struct{})

	w.logger.Info("NotificationRetryWorker started",
		zap.Duration("interval", w.config.Interval),
		zap.Int("max_attempts", w.config.MaxAttempts))

	go w.loop(loopCtx, w.done)
	return nil
}

// Stop cancels the loop and waits for the pass in flight to finish
func (w *NotificationRetryWorker) Stop() error {
	w.mu.Lock()
	cancel, done := w.cancel, w.done
	w.cancel, w.done = nil, nil
	w.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	return nil
}

func (w *NotificationRetryWorker) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(w.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.RunOnce(ctx)
		}
	}
}

// RunOnce performs a single retry pass
func (w *NotificationRetryWorker) RunOnce(ctx context.Context) int {
	delivered, err := w.retrier.RetryFailed(ctx, w.config.MaxAttempts, w.config.BatchSize)
	if err != nil && ctx.Err() == nil {
		w.logger.Error("Notification retry pass failed", zap.Error(err))
	}
	if delivered > 0 {
		w.logger.Info("Notifications re-sent", zap.Int("delivered", delivered))
	}
	return delivered
}
