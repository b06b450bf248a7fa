// Package logger provides structured logging capabilities.
//
// The logger package sets up the application's zap logger. Development mode
// writes coloured console output and turns DPanic entries (such as a box
// released by a caller that does not own it) into panics; production mode
// writes JSON with ISO8601 timestamps and no sampling.
//
// Usage:
//
//	log, err := logger.New("production", "info")
//	if err != nil {
//	    panic(err)
//	}
//	log.Info("box pool ready", zap.Int("size", 8))
package logger
