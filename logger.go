package gpures

import (
	"log/slog"

	"github.com/gogpu/gpures/gpucore"
)

// SetLogger configures the logger for gpures and all its sub-packages.
// By default, gpures produces no log output. Call SetLogger to enable logging.
//
// SetLogger is safe for concurrent use: it stores the new logger atomically.
// Pass nil to disable logging (restore default silent behavior).
//
// Log levels used by gpures:
//   - [slog.LevelDebug]: pool growth, ring page creation, batch creation, buffer migrations
//   - [slog.LevelInfo]: lifecycle events (manager created and closed)
//   - [slog.LevelWarn]: fence timeouts, queue failures, release errors
//
// Example:
//
//	// Enable info-level logging to stderr:
//	gpures.SetLogger(slog.Default())
//
//	// Enable debug-level logging for full diagnostics:
//	gpures.SetLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
//	    Level: slog.LevelDebug,
//	})))
func SetLogger(l *slog.Logger) {
	gpucore.SetLogger(l)
}

// Logger returns the current logger used by gpures.
// Sub-packages read the same logger through gpucore.Logger without
// importing the root package.
//
// Logger is safe for concurrent use.
func Logger() *slog.Logger {
	return gpucore.Logger()
}
