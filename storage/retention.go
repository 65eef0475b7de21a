package storage

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// RetentionManager periodically deletes alerts older than the retention period.
type RetentionManager struct {
	alerts        *AlertStore
	alertDays     int
	checkInterval time.Duration
	now           func() time.Time
	logger        *zap.SugaredLogger
	stopCh        chan struct{}
	stopOnce      sync.Once
	wg            sync.WaitGroup
}

// NewRetentionManager creates a manager. alertDays of zero or less disables cleanup.
func NewRetentionManager(alerts *AlertStore, alertDays int, logger *zap.SugaredLogger) *RetentionManager {
	return &RetentionManager{
		alerts:        alerts,
		alertDays:     alertDays,
		checkInterval: time.Hour,
		now:           time.Now,
		logger:        logger,
		stopCh:        make(chan struct{}),
	}
}

// Start runs a cleanup immediately and then every check interval.
func (rm *RetentionManager) Start() {
	if rm.alertDays <= 0 {
		return
	}
	rm.wg.Add(1)
	go rm.run()
}

func (rm *RetentionManager) run() {
	defer rm.wg.Done()
	ticker := time.NewTicker(rm.checkInterval)
	defer ticker.Stop()

	rm.cleanup()
	for {
		select {
		case <-ticker.C:
			rm.cleanup()
		case <-rm.stopCh:
			return
		}
	}
}

// Stop stops the manager and waits for a running cleanup.
func (rm *RetentionManager) Stop() {
	rm.stopOnce.Do(func() { close(rm.stopCh) })
	rm.wg.Wait()
}

func (rm *RetentionManager) cleanup() {
	cutoff := rm.now().AddDate(0, 0, -rm.alertDays)
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	n, err := rm.alerts.DeleteAlertsBefore(ctx, cutoff)
	if err != nil {
		rm.logger.Errorw("Alert retention cleanup failed", "error", err)
		return
	}
	if n > 0 {
		rm.logger.Infow("Alert retention cleanup", "deleted", n, "cutoff", cutoff)
	}
}
