// Package log wraps zerolog with a process-global logger, level and output
// configuration, and child-logger helpers that attach the app and deployment
// fields used across Quarry's orchestration loops.
package log
