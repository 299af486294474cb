// -----------------------------------------------------------------------
// Safe Goroutine - Panic-protected background goroutines
// -----------------------------------------------------------------------

package common

import (
	"fmt"
	"os"
	"sync/atomic"

	"github.com/ternarybob/arbor"
)

var activeGoroutines int64

// ActiveGoroutines reports how many SafeGo goroutines are still running.
func ActiveGoroutines() int64 {
	return atomic.LoadInt64(&activeGoroutines)
}

// SafeGo runs fn in a goroutine that survives panics. A panic is logged
// with its stack and written to a crash file, but never takes the
// process down. Used for the worker loop, GC sweeps and event fan-out,
// where one bad job must not kill the service.
func SafeGo(logger arbor.ILogger, name string, fn func()) {
	atomic.AddInt64(&activeGoroutines, 1)

	go func() {
		defer atomic.AddInt64(&activeGoroutines, -1)
		defer func() {
			r := recover()
			if r == nil {
				return
			}
			stack := GetStackTrace()
			if logger != nil {
				logger.Error().
					Str("goroutine", name).
					Str("panic", fmt.Sprintf("%v", r)).
					Str("stack", stack).
					Msg("Goroutine panicked, service continues")
			} else {
				fmt.Fprintf(os.Stderr, "PANIC in goroutine %s: %v\n%s\n", name, r, stack)
			}
			WriteCrashFile(fmt.Sprintf("goroutine %s: %v", name, r), stack)
		}()

		fn()
	}()
}
