// -----------------------------------------------------------------------
// Crash Protection - Fatal error handling and crash file generation
// -----------------------------------------------------------------------

package common

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"
)

// CrashLogDir is where crash reports are written. Set once at startup.
var CrashLogDir = "./logs"

// InstallCrashHandler prepares the crash log directory. Call at the top
// of main before anything can panic.
func InstallCrashHandler(logDir string) {
	if logDir != "" {
		CrashLogDir = logDir
	}
	if err := os.MkdirAll(CrashLogDir, 0755); err != nil {
		fmt.Fprintf(os.Stderr, "CRASH: cannot create log directory: %v\n", err)
	}
}

// WriteCrashFile dumps a crash report for post-mortem analysis and
// returns the file path. Falls back to stderr when the file cannot be
// written, so the report is never lost entirely.
func WriteCrashFile(panicVal interface{}, stackTrace string) string {
	now := time.Now()
	crashPath := filepath.Join(CrashLogDir, fmt.Sprintf("crash-%s.log", now.Format("2006-01-02T15-04-05")))

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	report := fmt.Sprintf(
		"=== CONVEYOR CRASH REPORT ===\n"+
			"Time: %s\n"+
			"Version: %s\n\n"+
			"=== PANIC ===\n%v\n\n"+
			"=== STACK ===\n%s\n"+
			"=== ALL GOROUTINES ===\n%s\n"+
			"=== RUNTIME ===\n"+
			"Goroutines: %d\nGOOS/GOARCH: %s/%s\n"+
			"HeapAlloc: %d MB\nSys: %d MB\nNumGC: %d\n"+
			"=== END ===\n",
		now.Format(time.RFC3339), GetFullVersion(),
		panicVal, stackTrace, allGoroutineStacks(),
		runtime.NumGoroutine(), runtime.GOOS, runtime.GOARCH,
		mem.HeapAlloc/1024/1024, mem.Sys/1024/1024, mem.NumGC)

	if err := os.WriteFile(crashPath, []byte(report), 0644); err != nil {
		fmt.Fprintf(os.Stderr, "CRASH: cannot write crash file: %v\n%s", err, report)
		return ""
	}

	fmt.Fprintf(os.Stderr, "\n!!! FATAL CRASH - report saved to %s !!!\nPanic: %v\n", crashPath, panicVal)
	return crashPath
}

// allGoroutineStacks captures every goroutine's stack, growing the
// buffer until the dump fits.
func allGoroutineStacks() string {
	buf := make([]byte, 64*1024)
	for {
		n := runtime.Stack(buf, true)
		if n < len(buf) {
			return string(buf[:n])
		}
		if len(buf) >= 16*1024*1024 {
			return string(buf[:n])
		}
		buf = make([]byte, len(buf)*2)
	}
}

// GetStackTrace returns the current goroutine's stack.
func GetStackTrace() string {
	buf := make([]byte, 8192)
	n := runtime.Stack(buf, false)
	return string(buf[:n])
}

// RecoverWithCrashFile is the deferred top-level recovery for main.
func RecoverWithCrashFile() {
	if r := recover(); r != nil {
		WriteCrashFile(r, GetStackTrace())
		os.Exit(1)
	}
}
