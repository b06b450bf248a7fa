package sandbox

import (
	"io"
	"time"
)

// Request is one execution of an already prepared executable.
// It is owned by the caller and never modified by the manager.
type Request struct {
	// Executable is the host path of the program to run. It is copied into the box.
	Executable string
	Args       []string
	Env        map[string]string

	// At most one of Stdin and StdinData may be set.
	Stdin     io.Reader
	StdinData []byte

	// Limits unset fields are filled from the manager defaults.
	Limits Limits

	// Stdout and Stderr optionally receive a copy of the captured streams.
	Stdout io.Writer
	Stderr io.Writer
}

// Result is the outcome of one execution
type Result struct {
	// ID correlates the execution with log lines.
	ID      string
	Verdict Verdict

	ExitCode    int
	Signal      int
	Termination Termination

	WallTime   time.Duration
	CPUTime    time.Duration
	PeakMemory int64

	Stdout          []byte
	Stderr          []byte
	StdoutTruncated bool
	StderrTruncated bool

	// BoxID is the box the program ran in, for diagnostics.
	BoxID int
	// Limits are the effective limits after defaulting.
	Limits Limits
	// Message carries the primitive's or the runner's explanation, if any.
	Message string
}

// SignalName returns the name of the terminating signal, or "" if none
func (r Result) SignalName() string {
	return SignalName(r.Signal)
}
