package engine

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"spamguard/internal/metrics"
	"spamguard/internal/model"
	"spamguard/internal/storage"
)

const logWriteTimeout = 5 * time.Second

// logWriter persists log entries off the decision path. Until run is called
// entries are written synchronously.
type logWriter struct {
	sink    storage.EventLog
	logger  *slog.Logger
	ch      chan model.LogEntry
	running atomic.Bool
	wg      sync.WaitGroup
}

func newLogWriter(sink storage.EventLog, buffer int, logger *slog.Logger) *logWriter {
	if buffer <= 0 {
		buffer = 1
	}
	return &logWriter{sink: sink, logger: logger, ch: make(chan model.LogEntry, buffer)}
}

func (w *logWriter) run(ctx context.Context) {
	if !w.running.CompareAndSwap(false, true) {
		return
	}
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		for {
			select {
			case entry := <-w.ch:
				w.write(entry)
			case <-ctx.Done():
				w.running.Store(false)
				for {
					select {
					case entry := <-w.ch:
						w.write(entry)
					default:
						return
					}
				}
			}
		}
	}()
}

// wait blocks until the writer goroutine has drained and exited.
func (w *logWriter) wait() {
	w.wg.Wait()
}

func (w *logWriter) submit(entry model.LogEntry, async bool) {
	if w.sink == nil {
		return
	}
	if !async || !w.running.Load() {
		w.write(entry)
		return
	}
	select {
	case w.ch <- entry:
	default:
		metrics.IncEventLogFailure()
		if w.logger != nil {
			w.logger.Error("event log buffer full, entry dropped", "ip", entry.VisitorIP, "uuid", entry.UUID)
		}
	}
}

func (w *logWriter) write(entry model.LogEntry) {
	ctx, cancel := context.WithTimeout(context.Background(), logWriteTimeout)
	defer cancel()
	if err := w.sink.AppendLog(ctx, &entry); err != nil {
		metrics.IncEventLogFailure()
		if w.logger != nil {
			w.logger.Error("event log write failed", "ip", entry.VisitorIP, "uuid", entry.UUID, "err", err)
		}
	}
}
