package app

import (
	"context"
	"time"

	logx "fetchq/pkg/logx"
)

// maintenanceLoop runs periodic store upkeep: purge terminal jobs past the
// retention window and requeue jobs stuck in running longer than the reclaim
// threshold (a worker that died mid-job without settling it).
func (a *App) maintenanceLoop(ctx context.Context) error {
	ticker := time.NewTicker(a.maint.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		// The store logs counts itself; only failures are interesting here.
		if _, err := a.store.PurgeOlderThan(ctx, a.maint.Retention); err != nil {
			a.log.Warn("purge failed", logx.Err(err))
		}
		if _, err := a.store.ReclaimStale(ctx, a.maint.ReclaimAfter); err != nil {
			a.log.Warn("stale reclaim failed", logx.Err(err))
		}
	}
}
