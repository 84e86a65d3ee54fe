package background

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// CleanupTask is one periodic maintenance job. Run returns the number of
// records it removed.
type CleanupTask struct {
	Name string
	Run  func(ctx context.Context) (int64, error)
}

// CleanupManager periodically prunes expired signing secrets, sessions,
// rate limit blocks and aged audit entries.
type CleanupManager struct {
	tasks    []CleanupTask
	logger   *slog.Logger
	interval time.Duration
	timeout  time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewCleanupManager creates a new cleanup manager
func NewCleanupManager(logger *slog.Logger, interval time.Duration, tasks ...CleanupTask) *CleanupManager {
	if interval <= 0 {
		interval = time.Hour
	}
	return &CleanupManager{
		tasks:    tasks,
		logger:   logger,
		interval: interval,
		timeout:  30 * time.Second,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the periodic cleanup task
func (cm *CleanupManager) Start(ctx context.Context) {
	ticker := time.NewTicker(cm.interval)
	defer ticker.Stop()

	// Run immediately on startup
	cm.RunOnce(ctx)

	for {
		select {
		case <-ticker.C:
			cm.RunOnce(ctx)
		case <-cm.stopCh:
			cm.logger.Info("cleanup manager stopped")
			return
		case <-ctx.Done():
			cm.logger.Info("cleanup manager context cancelled")
			return
		}
	}
}

// RunOnce runs every task in order. A failing task is logged and does not
// stop the others.
func (cm *CleanupManager) RunOnce(ctx context.Context) {
	for _, task := range cm.tasks {
		cm.run(ctx, task)
	}
}

func (cm *CleanupManager) run(ctx context.Context, task CleanupTask) {
	cleanupCtx, cancel := context.WithTimeout(ctx, cm.timeout)
	defer cancel()

	removed, err := task.Run(cleanupCtx)
	if err != nil {
		cm.logger.Error("cleanup task failed", slog.String("task", task.Name), slog.Any("error", err))
		return
	}

	if removed > 0 {
		cm.logger.Info("cleanup task completed", slog.String("task", task.Name), slog.Int64("rows_deleted", removed))
	}
}

// Stop signals the cleanup manager to stop
func (cm *CleanupManager) Stop() {
	cm.stopOnce.Do(func() { close(cm.stopCh) })
}
