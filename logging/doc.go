// Package logging provides a minimal logging interface and adapters for PromptMesh.
//
// The Logger interface defines the logging methods (Debug, Info, Warn, Error)
// that the loop, registry, streaming bridge and engine use for diagnostics.
// This package includes:
//
//   - Logger interface for dependency injection
//   - SlogAdapter wrapping Go's structured logging
//   - PromptMeshLogger with prompt/component scoped helpers
//   - NoOpLogger for silent operation (testing, minimal setups)
//
// Usage:
//
//	logger := logging.NewSlogLogger(logging.LogLevelInfo, "json", false)
//	mesh := promptmesh.New(coder, forker, sink, func(o *promptmesh.Options) {
//	    o.Logger = logger
//	})
//
// The interface is kept minimal so any structured logger can be plugged in.
package logging
