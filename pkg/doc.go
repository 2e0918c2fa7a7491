// Package pkg provides shared utilities for the softsdr streaming engine.
//
// This package contains functionality used by every engine component:
//
//   - Structured logging via Go's standard [log/slog] package
//   - Sentinel errors and transfer completion status
//   - Component identifiers for log filtering
//
// # Logging
//
// The logging subsystem wraps [log/slog] with component context:
//
//	pkg.SetLogLevel(slog.LevelDebug)
//	pkg.LogInfo(pkg.ComponentStream, "stream started", "slots", 8)
//
// # Errors
//
// Engine errors are sentinel values wrapped with context:
//
//	if errors.Is(err, pkg.ErrTimeout) {
//	    // nothing ready yet
//	}
package pkg
