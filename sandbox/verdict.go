package sandbox

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// Verdict is the discrete outcome classification of one execution
type Verdict int

// Verdicts, exactly one per Result
const (
	VerdictOK Verdict = iota
	VerdictRuntimeError
	VerdictTimeLimitExceeded
	VerdictMemoryLimitExceeded
	VerdictOutputLimitExceeded
	VerdictSandboxSetupFailure
	VerdictKilledBySignal
)

var verdictNames = [...]struct{ short, long string }{
	VerdictOK:                  {"OK", "Ok"},
	VerdictRuntimeError:        {"RE", "Runtime Error"},
	VerdictTimeLimitExceeded:   {"TLE", "Time Limit Exceeded"},
	VerdictMemoryLimitExceeded: {"MLE", "Memory Limit Exceeded"},
	VerdictOutputLimitExceeded: {"OLE", "Output Limit Exceeded"},
	VerdictSandboxSetupFailure: {"SE", "Sandbox Setup Failure"},
	VerdictKilledBySignal:      {"SIG", "Killed By Signal"},
}

// String returns the short verdict code
func (v Verdict) String() string {
	if v < 0 || int(v) >= len(verdictNames) {
		return fmt.Sprintf("Verdict(%d)", int(v))
	}
	return verdictNames[v].short
}

// Long returns the human readable verdict name
func (v Verdict) Long() string {
	if v < 0 || int(v) >= len(verdictNames) {
		return v.String()
	}
	return verdictNames[v].long
}

// MarshalText encodes the verdict as its short code
func (v Verdict) MarshalText() ([]byte, error) {
	if v < 0 || int(v) >= len(verdictNames) {
		return nil, fmt.Errorf("unknown verdict %d", int(v))
	}
	return []byte(v.String()), nil
}

// UnmarshalText decodes a short verdict code
func (v *Verdict) UnmarshalText(text []byte) error {
	for i, n := range verdictNames {
		if n.short == string(text) {
			*v = Verdict(i)
			return nil
		}
	}
	return fmt.Errorf("unknown verdict %q", text)
}

// IsOK reports whether the program ran to completion within all limits
func (v Verdict) IsOK() bool { return v == VerdictOK }

// Termination records why the program stopped
type Termination int

// Termination causes
const (
	// TerminationNone means the program exited on its own.
	TerminationNone Termination = iota
	// TerminationSignal means the program died from a signal it was not sent by us.
	TerminationSignal
	// TerminationLimit means the isolation primitive killed it for a limit.
	TerminationLimit
	// TerminationWatchdog means the manager's watchdog had to kill it.
	TerminationWatchdog
	// TerminationCancelled means the caller cancelled the execution.
	TerminationCancelled
)

var terminationNames = [...]string{
	TerminationNone:      "none",
	TerminationSignal:    "signal",
	TerminationLimit:     "limit",
	TerminationWatchdog:  "watchdog",
	TerminationCancelled: "cancelled",
}

func (t Termination) String() string {
	if t < 0 || int(t) >= len(terminationNames) {
		return fmt.Sprintf("Termination(%d)", int(t))
	}
	return terminationNames[t]
}

// MarshalText encodes the termination cause by name
func (t Termination) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// Outcome is the raw, pre-classification observation of one execution.
type Outcome struct {
	// SetupFailed is set when the box could not be configured or the program
	// could not be launched.
	SetupFailed bool

	Termination Termination
	ExitCode    int
	Signal      int

	// TimedOut and OOMKilled carry the primitive's own verdict hints.
	TimedOut  bool
	OOMKilled bool

	WallTime        time.Duration
	CPUTime         time.Duration
	PeakMemory      int64
	OutputTruncated bool
}

// Classify maps a raw outcome and the limits it ran under to a verdict.
// Resource causes are checked before signals and exit codes because they are
// the root cause of the latter.
func Classify(o Outcome, l Limits) Verdict {
	switch {
	case o.SetupFailed || o.Termination == TerminationWatchdog:
		return VerdictSandboxSetupFailure
	case o.TimedOut,
		l.HasWallTime() && o.WallTime >= l.WallTime,
		l.HasCPUTime() && o.CPUTime >= l.CPUTime:
		return VerdictTimeLimitExceeded
	case o.OOMKilled,
		l.HasMemory() && o.PeakMemory >= l.Memory:
		return VerdictMemoryLimitExceeded
	case o.OutputTruncated,
		o.Signal == int(unix.SIGXFSZ):
		return VerdictOutputLimitExceeded
	case o.Termination == TerminationCancelled:
		return VerdictSandboxSetupFailure
	case o.Signal != 0:
		return VerdictKilledBySignal
	case o.ExitCode != 0:
		return VerdictRuntimeError
	default:
		return VerdictOK
	}
}

// SignalName returns the conventional name of a signal number, such as SIGKILL
func SignalName(sig int) string {
	if sig == 0 {
		return ""
	}
	if name := unix.SignalName(unix.Signal(sig)); name != "" {
		return name
	}
	return fmt.Sprintf("signal %d", sig)
}
