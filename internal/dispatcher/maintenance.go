package dispatcher

import (
	"context"
	"jobexec/internal/job"
	"jobexec/internal/result"
	"time"
)

// runMaintenance periodically expires results and bounds artifact disk usage.
func (d *Dispatcher) runMaintenance(ctx context.Context, interval time.Duration) {
	defer close(d.maintenanceDone)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.sweep(d.now())
		}
	}
}

// sweep runs one maintenance pass and returns how many results it removed.
func (d *Dispatcher) sweep(now time.Time) int {
	expired := d.store.Sweep(now)
	var evicted []job.Result
	if d.cfg.OutputMaxBytes > 0 {
		evicted = d.store.TrimArtifacts(d.cfg.OutputMaxBytes)
	}

	for _, res := range append(expired, evicted...) {
		if err := result.RemoveArtifact(res); err != nil {
			d.logger.Warn("Failed to remove artifact", "jobId", res.JobID, "error", err)
		}
	}
	if len(expired) > 0 || len(evicted) > 0 {
		d.logger.Info("Maintenance completed", "expired", len(expired), "evicted", len(evicted), "retained", d.store.Len())
	}
	return len(expired) + len(evicted)
}
