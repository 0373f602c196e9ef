package logger

import (
	"context"
	"sync/atomic"
	"time"
)

var (
	warnCount  int64
	errorCount int64
)

func recordWarn(component string) {
	_ = component
	atomic.AddInt64(&warnCount, 1)
}

func recordError(component string) {
	_ = component
	atomic.AddInt64(&errorCount, 1)
}

// WarnCount returns the number of warnings logged since the last snapshot.
func WarnCount() int64 { return atomic.LoadInt64(&warnCount) }

// ErrorCount returns the number of errors logged since the last snapshot.
func ErrorCount() int64 { return atomic.LoadInt64(&errorCount) }

// StartReport begins periodic logging of accumulated warn/error counters.
// Counters are reported as deltas between intervals and forwarded as
// CloudWatch metrics when the client is configured.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		var lastWarns, lastErrors int64
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				warns := atomic.LoadInt64(&warnCount)
				errors := atomic.LoadInt64(&errorCount)
				log.LogMetric("report", "warns", warns-lastWarns, "counter", nil)
				log.LogMetric("report", "errors", errors-lastErrors, "counter", nil)
				lastWarns, lastErrors = warns, errors
			}
		}
	}()
}
