package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"go.uber.org/zap"
)

const cleanupTimeout = 30 * time.Second

// runState is a step of the per-box execution state machine
type runState int

const (
	stateConfiguring runState = iota
	stateRunning
	stateExited
	stateKilled
	stateCollecting
	stateCleaning
	stateDone
)

func (s runState) String() string {
	return [...]string{"configuring", "running", "exited", "killed", "collecting", "cleaning", "done"}[s]
}

// runner drives one reserved box through a single execution
type runner struct {
	isolator     Isolator
	pool         *BoxPool
	fs           FileSystem
	safetyMargin time.Duration
}

// execution is the mutable state of one run, owned by a single goroutine
type execution struct {
	ctx    context.Context
	logger *zap.Logger
	lease  *Lease
	req    Request
	limits Limits

	workDir  string
	started  time.Time
	report   RunReport
	outcome  Outcome
	setupErr error

	stdout, stderr           []byte
	stdoutTrunc, stderrTrunc bool
	cleaned                  bool
}

// run executes req in the leased box. Every path ends in Cleaning, which
// returns the box to the pool.
func (r *runner) run(ctx context.Context, logger *zap.Logger, lease *Lease, req Request, limits Limits) *execution {
	ex := &execution{
		ctx:    ctx,
		logger: logger.With(zap.Int("box_id", lease.ID)),
		lease:  lease,
		req:    req,
		limits: limits,
	}
	defer func() {
		if !ex.cleaned {
			r.clean(ex)
		}
	}()

	state := stateConfiguring
	for state != stateDone {
		ex.logger.Debug("box state", zap.Stringer("state", state))
		switch state {
		case stateConfiguring:
			state = r.configure(ex)
		case stateRunning:
			state = r.launch(ex)
		case stateExited, stateKilled:
			state = r.exited(ex, state)
		case stateCollecting:
			state = r.collect(ex)
		case stateCleaning:
			state = r.clean(ex)
		}
	}
	return ex
}

func (r *runner) fail(ex *execution, stage Stage, err error) runState {
	if ex.ctx.Err() != nil {
		ex.outcome.Termination = TerminationCancelled
		return stateCleaning
	}
	ex.outcome.SetupFailed = true
	ex.setupErr = &SetupError{Stage: stage, BoxID: ex.lease.ID, Err: err}
	ex.logger.Error("box setup failed", zap.String("stage", string(stage)), zap.Error(err))
	return stateCleaning
}

func (r *runner) configure(ex *execution) runState {
	if err := ex.ctx.Err(); err != nil {
		ex.outcome.Termination = TerminationCancelled
		return stateCleaning
	}

	workDir, err := r.isolator.Init(ex.ctx, ex.lease.ID)
	if err != nil {
		return r.fail(ex, StageInit, err)
	}
	ex.workDir = workDir
	if err := r.pool.SetWorkDir(ex.lease, workDir); err != nil {
		return r.fail(ex, StageInit, err)
	}

	if err := copyFile(r.fs, ex.req.Executable, filepath.Join(workDir, ProgramFileName), ExecutablePermission); err != nil {
		return r.fail(ex, StagePrepare, fmt.Errorf("failed to copy executable: %w", err))
	}
	if err := r.writeStdin(ex); err != nil {
		return r.fail(ex, StagePrepare, fmt.Errorf("failed to write stdin: %w", err))
	}
	return stateRunning
}

func (r *runner) writeStdin(ex *execution) error {
	path := filepath.Join(ex.workDir, StdinFileName)
	if ex.req.Stdin == nil {
		return r.fs.WriteFile(path, ex.req.StdinData, FilePermission)
	}

	out, err := r.fs.Create(path, FilePermission)
	if err != nil {
		return err
	}

	copied := make(chan error, 1)
	go func() {
		_, err := io.Copy(out, ex.req.Stdin)
		copied <- err
	}()

	select {
	case err := <-copied:
		if err != nil {
			out.Close()
			return err
		}
		return out.Close()
	case <-ex.ctx.Done():
		// The copy goroutine stays blocked in the caller's reader until it
		// returns; its next write fails on the closed file.
		out.Close()
		return ex.ctx.Err()
	}
}

// watchdog returns the context the program runs under. It expires a safety
// margin after the wall-clock limit in case the primitive fails to kill it.
func (r *runner) watchdog(ex *execution) (context.Context, context.CancelFunc) {
	if !ex.limits.HasWallTime() {
		return context.WithCancel(ex.ctx)
	}
	return context.WithTimeout(ex.ctx, ex.limits.WallTime+r.safetyMargin)
}

func (r *runner) launch(ex *execution) runState {
	if err := r.pool.Transition(ex.lease, SlotRunning); err != nil {
		return r.fail(ex, StageLaunch, err)
	}

	runCtx, cancel := r.watchdog(ex)
	defer cancel()

	spec := RunSpec{
		Program:    ProgramFileName,
		Args:       ex.req.Args,
		Env:        ex.req.Env,
		Limits:     ex.limits,
		StdinFile:  StdinFileName,
		StdoutFile: StdoutFileName,
		StderrFile: StderrFileName,
	}

	ex.started = time.Now()
	report, err := r.isolator.Run(runCtx, ex.lease.ID, spec)
	elapsed := time.Since(ex.started)
	ex.report = report

	// Isolators report a run ended by ctx as an error, so a nil error means
	// the report was measured and stands even if the caller cancelled since.
	completed := err == nil

	switch {
	case completed && report.InternalError:
		return r.fail(ex, StageLaunch, fmt.Errorf("isolation primitive error: %s", report.Message))
	case completed && (report.Killed || report.Signal != 0):
		return stateKilled
	case completed:
		return stateExited
	case ex.ctx.Err() != nil:
		ex.outcome.Termination = TerminationCancelled
		ex.logger.Info("execution cancelled, program terminated", zap.Duration("elapsed", elapsed))
		r.fillElapsed(ex, elapsed)
		return stateKilled
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		ex.outcome.Termination = TerminationWatchdog
		r.fillElapsed(ex, elapsed)
		ex.setupErr = &SetupError{
			Stage: StageWatchdog,
			BoxID: ex.lease.ID,
			Err:   fmt.Errorf("program still running %s after wall limit %s", r.safetyMargin, ex.limits.WallTime),
		}
		ex.logger.Error("watchdog killed program", zap.Duration("elapsed", elapsed))
		return stateKilled
	default:
		return r.fail(ex, StageLaunch, err)
	}
}

// fillElapsed stands in for the primitive's wall time when it reported none
func (*runner) fillElapsed(ex *execution, elapsed time.Duration) {
	if ex.report.WallTime == 0 {
		ex.report.WallTime = elapsed
	}
}

func (*runner) exited(ex *execution, state runState) runState {
	rep := ex.report
	o := &ex.outcome
	o.ExitCode = rep.ExitCode
	o.Signal = rep.Signal
	o.TimedOut = rep.TimedOut
	o.OOMKilled = rep.OOMKilled
	o.WallTime = rep.WallTime
	o.CPUTime = rep.CPUTime
	o.PeakMemory = rep.PeakMemory

	if state == stateKilled && o.Termination == TerminationNone {
		if rep.Killed {
			o.Termination = TerminationLimit
		} else {
			o.Termination = TerminationSignal
		}
	}
	return stateCollecting
}

func (r *runner) collect(ex *execution) runState {
	var err error
	ex.stdout, ex.stdoutTrunc, err = readCapped(r.fs, filepath.Join(ex.workDir, StdoutFileName), ex.limits.OutputSize)
	if err != nil {
		ex.logger.Warn("failed to read stdout", zap.Error(err))
	}
	ex.stderr, ex.stderrTrunc, err = readCapped(r.fs, filepath.Join(ex.workDir, StderrFileName), ex.limits.OutputSize)
	if err != nil {
		ex.logger.Warn("failed to read stderr", zap.Error(err))
	}
	ex.outcome.OutputTruncated = ex.stdoutTrunc || ex.stderrTrunc

	forward(ex.logger, "stdout", ex.req.Stdout, ex.stdout)
	forward(ex.logger, "stderr", ex.req.Stderr, ex.stderr)
	return stateCleaning
}

func forward(logger *zap.Logger, stream string, w io.Writer, data []byte) {
	if w == nil || len(data) == 0 {
		return
	}
	if _, err := w.Write(data); err != nil {
		logger.Warn("failed to forward captured output", zap.String("stream", stream), zap.Error(err))
	}
}

// clean tears the box down and hands it back. Errors here are logged and never
// change the verdict; a box that cannot be cleaned is quarantined.
func (r *runner) clean(ex *execution) runState {
	ex.cleaned = true

	if state, err := r.pool.State(ex.lease); err == nil && state != SlotCleaning {
		if err := r.pool.Transition(ex.lease, SlotCleaning); err != nil {
			ex.logger.DPanic("box could not enter cleaning", zap.Error(err))
			return stateDone
		}
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ex.ctx), cleanupTimeout)
	defer cancel()

	err := r.isolator.Cleanup(ctx, ex.lease.ID)
	if err != nil {
		ex.logger.Warn("box cleanup failed, retrying", zap.Error(err))
		err = r.isolator.Cleanup(ctx, ex.lease.ID)
	}
	if err != nil {
		if qErr := r.pool.Quarantine(ex.lease, err); qErr != nil {
			ex.logger.DPanic("failed to quarantine box", zap.Error(qErr))
		}
		return stateDone
	}

	if err := r.pool.Release(ex.lease); err != nil {
		ex.logger.DPanic("failed to release box", zap.Error(err))
	}
	return stateDone
}
