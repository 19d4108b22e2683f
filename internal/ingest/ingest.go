package ingest

import (
	"context"
	"log/slog"
	"time"

	"spamguard/internal/metrics"
	"spamguard/internal/model"
)

// SendNonBlocking hands ev to the engine queue. A full queue drops the
// event rather than stalling the producer.
func SendNonBlocking(ctx context.Context, out chan<- model.VisitorEvent, ev model.VisitorEvent, logger *slog.Logger) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	default:
		metrics.IncIngestDropped(ev.Source)
		if logger != nil {
			logger.Warn("event channel full, dropping event", "ip", ev.IP, "source", ev.Source, "timestamp", ev.Timestamp)
		}
		return false
	}
}

func BackoffSleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		d = 200 * time.Millisecond
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
