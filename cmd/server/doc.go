// Package main is the entry point for the boxrun MCP server.
//
// The boxrun server fronts the isolate sandbox: it keeps a fixed pool of
// isolate boxes, runs prepared executables in them under CPU, wall-clock,
// memory, output and process limits, and reports a classified verdict
// (OK, RE, TLE, MLE, OLE, SE, SIG) through an MCP tool. Boxes are reset on
// startup and optionally exported as Prometheus gauges.
//
// The application uses Uber's fx framework for dependency injection and lifecycle
// management, with zap for structured logging and viper for configuration.
package main
