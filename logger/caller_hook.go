package logger

import (
	"runtime"
	"strings"

	"github.com/sirupsen/logrus"
)

// wrapperPackages are skipped when resolving the reporting call site,
// otherwise every line would point into this package or logrus itself.
var wrapperPackages = []string{"sirupsen/logrus", "quantbridge/logger"}

// callerHook rewrites the entry's Caller to the first stack frame that
// belongs to application code.
type callerHook struct{}

func (h *callerHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h *callerHook) Fire(entry *logrus.Entry) error {
	pcs := make([]uintptr, 24)
	n := runtime.Callers(4, pcs)
	frames := runtime.CallersFrames(pcs[:n])
	for {
		frame, more := frames.Next()
		if isApplicationFrame(frame.Function) {
			entry.Caller = &frame
			return nil
		}
		if !more {
			return nil
		}
	}
}

func isApplicationFrame(fn string) bool {
	if fn == "" {
		return false
	}
	for _, pkg := range wrapperPackages {
		if strings.Contains(fn, pkg) {
			return false
		}
	}
	return true
}
