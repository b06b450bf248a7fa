package sandbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const resetConcurrency = 8

// Executor runs execution requests. Manager is the production implementation.
type Executor interface {
	Execute(ctx context.Context, req Request) (Result, error)
}

// Observer receives execution events, for example to export metrics
type Observer interface {
	ObserveAcquire(wait time.Duration, err error)
	ObserveResult(res Result)
	ObservePool(stats PoolStats)
}

// NoopObserver discards all events
type NoopObserver struct{}

func (NoopObserver) ObserveAcquire(time.Duration, error) {}
func (NoopObserver) ObserveResult(Result)                {}
func (NoopObserver) ObservePool(PoolStats)               {}

// Manager is the concurrent entry point: it obtains a box from the pool, runs
// one request in it and classifies the outcome. The pool is the only state
// shared between executions.
type Manager struct {
	logger   *zap.Logger
	pool     *BoxPool
	isolator Isolator
	defaults Limits
	observer Observer
	runner   *runner
}

// ManagerOption defines a functional option for Manager
type ManagerOption func(*Manager)

// WithObserver sets the Observer notified about executions
func WithObserver(o Observer) ManagerOption {
	return func(m *Manager) {
		if o != nil {
			m.observer = o
		}
	}
}

// WithFileSystem sets the FileSystem used to prepare and read boxes
func WithFileSystem(fs FileSystem) ManagerOption {
	return func(m *Manager) {
		m.runner.fs = fs
	}
}

// WithSafetyMargin sets how long past the wall-clock limit the watchdog waits
func WithSafetyMargin(d time.Duration) ManagerOption {
	return func(m *Manager) {
		m.runner.safetyMargin = d
	}
}

// NewManager creates a Manager over pool and isolator. defaults fill the unset
// limits of every request.
func NewManager(logger *zap.Logger, isolator Isolator, pool *BoxPool, defaults Limits, opts ...ManagerOption) *Manager {
	m := &Manager{
		logger:   logger,
		pool:     pool,
		isolator: isolator,
		defaults: defaults,
		observer: NoopObserver{},
		runner: &runner{
			isolator:     isolator,
			pool:         pool,
			fs:           &RealFileSystem{},
			safetyMargin: 2 * time.Second,
		},
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// Defaults returns the limits applied to unset request fields
func (m *Manager) Defaults() Limits {
	return m.defaults
}

// Stats returns a snapshot of the box pool
func (m *Manager) Stats() PoolStats {
	return m.pool.Stats()
}

// Execute runs req in a fresh box and returns its classified result. It is safe
// for concurrent use and never reuses a previous result.
//
// Resource and runtime outcomes are reported in Result.Verdict with a nil
// error. Errors are reserved for faults: ErrInvalidRequest / ErrInvalidLimits,
// ErrPoolExhausted (no Result), a *SetupError matching ErrSandboxSetup, and the
// context error when the caller cancelled after the box was acquired. The
// last two come with a populated Result.
//
//nolint:gocritic // Request is passed by value so the caller keeps ownership
func (m *Manager) Execute(ctx context.Context, req Request) (Result, error) {
	limits, err := m.prepare(req)
	if err != nil {
		return Result{}, err
	}

	id := uuid.NewString()
	log := m.logger.With(zap.String("exec_id", id))

	waitStart := time.Now()
	lease, err := m.pool.Acquire(ctx)
	wait := time.Since(waitStart)
	m.observer.ObserveAcquire(wait, err)
	if err != nil {
		log.Warn("no box acquired", zap.Duration("wait", wait), zap.Error(err))
		return Result{}, err
	}
	m.observer.ObservePool(m.pool.Stats())

	log.Debug("box acquired", zap.Int("box_id", lease.ID), zap.Duration("wait", wait))

	ex := m.runner.run(ctx, log, lease, req, limits)
	res := m.result(id, lease, limits, ex)

	m.observer.ObservePool(m.pool.Stats())
	m.observer.ObserveResult(res)

	log.Info("execution finished",
		zap.Int("box_id", res.BoxID),
		zap.Stringer("verdict", res.Verdict),
		zap.Int("exit_code", res.ExitCode),
		zap.String("signal", res.SignalName()),
		zap.Stringer("termination", res.Termination),
		zap.Duration("wall_time", res.WallTime),
		zap.Duration("cpu_time", res.CPUTime),
		zap.Int64("peak_memory", res.PeakMemory))

	switch {
	case res.Termination == TerminationCancelled:
		return res, ctx.Err()
	case res.Verdict == VerdictSandboxSetupFailure && ex.setupErr != nil:
		return res, ex.setupErr
	default:
		return res, nil
	}
}

//nolint:gocritic // Request is passed by value so the caller keeps ownership
func (m *Manager) prepare(req Request) (Limits, error) {
	if req.Executable == "" {
		return Limits{}, fmt.Errorf("%w: executable is required", ErrInvalidRequest)
	}
	if req.Stdin != nil && req.StdinData != nil {
		return Limits{}, fmt.Errorf("%w: only one of stdin stream and stdin data may be set", ErrInvalidRequest)
	}

	limits := req.Limits.WithDefaults(m.defaults)
	if err := limits.Validate(); err != nil {
		return Limits{}, err
	}
	return limits, nil
}

func (*Manager) result(id string, lease *Lease, limits Limits, ex *execution) Result {
	res := Result{
		ID:              id,
		Verdict:         Classify(ex.outcome, limits),
		ExitCode:        ex.outcome.ExitCode,
		Signal:          ex.outcome.Signal,
		Termination:     ex.outcome.Termination,
		WallTime:        ex.outcome.WallTime,
		CPUTime:         ex.outcome.CPUTime,
		PeakMemory:      ex.outcome.PeakMemory,
		Stdout:          ex.stdout,
		Stderr:          ex.stderr,
		StdoutTruncated: ex.stdoutTrunc,
		StderrTruncated: ex.stderrTrunc,
		BoxID:           lease.ID,
		Limits:          limits,
		Message:         ex.report.Message,
	}
	if ex.setupErr != nil {
		res.Message = ex.setupErr.Error()
	}
	return res
}

// Reset tears down every box so that nothing left by a previous process is
// visible to new executions. It must run before the first Execute.
func (m *Manager) Reset(ctx context.Context) error {
	var g errgroup.Group
	g.SetLimit(resetConcurrency)

	for _, id := range m.pool.IDs() {
		g.Go(func() error {
			if err := m.isolator.Cleanup(ctx, id); err != nil {
				m.logger.Warn("box reset failed", zap.Int("box_id", id), zap.Error(err))
				return fmt.Errorf("reset box %d: %w", id, err)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return errors.Join(ErrSandboxSetup, err)
	}
	m.logger.Info("box pool reset", zap.Int("size", m.pool.Size()))
	return nil
}
