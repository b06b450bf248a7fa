package sandbox

import (
	"errors"
	"fmt"
)

// Sentinel errors for error classification.
var (
	// ErrPoolExhausted indicates that no box became free within the acquire
	// timeout. Callers should retry or back off.
	ErrPoolExhausted = errors.New("box pool exhausted")

	// ErrSandboxSetup indicates that the isolation primitive failed to
	// initialize, launch or reliably terminate the program. It marks a broken
	// host, not a bad submission.
	ErrSandboxSetup = errors.New("sandbox setup failure")

	// ErrNotOwner indicates a box transition or release by a lease that does
	// not currently own the box.
	ErrNotOwner = errors.New("box not owned by caller")

	// ErrInvalidLimits indicates a Limits value that failed validation.
	ErrInvalidLimits = errors.New("invalid limits")

	// ErrInvalidRequest indicates a malformed execution request.
	ErrInvalidRequest = errors.New("invalid request")
)

// Stage names the runner step in which a setup failure happened
type Stage string

// Runner stages that can fail
const (
	StageInit     Stage = "init"
	StagePrepare  Stage = "prepare"
	StageLaunch   Stage = "launch"
	StageWatchdog Stage = "watchdog"
	StageCollect  Stage = "collect"
)

// SetupError describes an infrastructure fault while driving a box.
type SetupError struct {
	// Stage is the runner step that failed.
	Stage Stage

	// BoxID is the box that was being driven.
	BoxID int

	// Err is the underlying error, if any.
	Err error
}

// Error returns the error message including stage and box
func (e *SetupError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("sandbox setup failure at %s (box %d)", e.Stage, e.BoxID)
	}
	return fmt.Sprintf("sandbox setup failure at %s (box %d): %v", e.Stage, e.BoxID, e.Err)
}

// Unwrap returns the underlying error for use with errors.Is and errors.As.
func (e *SetupError) Unwrap() error {
	return e.Err
}

// Is reports whether this error matches the target.
// SetupError matches ErrSandboxSetup to allow sentinel-style error checking.
func (e *SetupError) Is(target error) bool {
	return target == ErrSandboxSetup
}
