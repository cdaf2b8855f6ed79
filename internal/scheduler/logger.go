package scheduler

import "sync"

// debugLogFn is an optional trace logging hook, set by the orchestrator
// so scheduler decisions land in the same debug log.
var (
	debugLogMu sync.RWMutex
	debugLogFn func(format string, args ...any)
)

// SetDebugLog sets the trace logging function for the package.
func SetDebugLog(fn func(format string, args ...any)) {
	debugLogMu.Lock()
	defer debugLogMu.Unlock()
	debugLogFn = fn
}

func debugLog(format string, args ...any) {
	debugLogMu.RLock()
	fn := debugLogFn
	debugLogMu.RUnlock()
	if fn != nil {
		fn(format, args...)
	}
}
