package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// LocalBackend implements Isolator by running programs directly on the host
// with rlimits (WARNING: This is not secure and should only be used for development)
type LocalBackend struct {
	logger *zap.Logger
	root   string
	fs     FileSystem
}

// LocalOption defines a functional option for LocalBackend
type LocalOption func(*LocalBackend)

// WithLocalFileSystem sets the FileSystem for LocalBackend
func WithLocalFileSystem(fs FileSystem) LocalOption {
	return func(l *LocalBackend) {
		l.fs = fs
	}
}

// NewLocalBackend creates a LocalBackend whose boxes live under root
func NewLocalBackend(logger *zap.Logger, root string, opts ...LocalOption) *LocalBackend {
	backend := &LocalBackend{
		logger: logger,
		root:   root,
		fs:     &RealFileSystem{}, // Default implementation
	}

	for _, opt := range opts {
		opt(backend)
	}

	return backend
}

func (l *LocalBackend) boxRoot(boxID int) string {
	return filepath.Join(l.root, strconv.Itoa(boxID))
}

// Init creates an empty working directory for the box
func (l *LocalBackend) Init(_ context.Context, boxID int) (string, error) {
	root := l.boxRoot(boxID)
	if err := l.fs.RemoveAll(root); err != nil {
		return "", fmt.Errorf("failed to clear box dir: %w", err)
	}

	workDir := filepath.Join(root, "box")
	if err := l.fs.MkdirAll(workDir, DirPermission); err != nil {
		return "", fmt.Errorf("failed to create box dir: %w", err)
	}
	return workDir, nil
}

// Cleanup removes the box directory
func (l *LocalBackend) Cleanup(_ context.Context, boxID int) error {
	return l.fs.RemoveAll(l.boxRoot(boxID))
}

// Run starts the program with its limits and waits for it
//
//nolint:gocritic // RunSpec is passed by value to match the Isolator interface
func (l *LocalBackend) Run(ctx context.Context, boxID int, spec RunSpec) (RunReport, error) {
	workDir := filepath.Join(l.boxRoot(boxID), "box")

	runCtx := ctx
	if spec.Limits.HasWallTime() {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, spec.Limits.WallTime)
		defer cancel()
	}

	//nolint:gosec // Running the prepared program is intended functionality
	cmd := exec.CommandContext(runCtx, filepath.Join(workDir, spec.Program), spec.Args...)
	cmd.Dir = workDir
	cmd.Env = []string{"PATH=/usr/local/bin:/usr/bin:/bin", "HOME=" + workDir}
	for key, value := range spec.Env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", key, value))
	}
	prepareCommand(cmd)

	stdin, err := os.Open(filepath.Join(workDir, spec.StdinFile))
	if err != nil {
		return RunReport{}, fmt.Errorf("failed to open stdin: %w", err)
	}
	defer stdin.Close()
	cmd.Stdin = stdin

	stdout, err := os.Create(filepath.Join(workDir, spec.StdoutFile))
	if err != nil {
		return RunReport{}, fmt.Errorf("failed to create stdout: %w", err)
	}
	defer stdout.Close()
	cmd.Stdout = stdout

	stderr, err := os.Create(filepath.Join(workDir, spec.StderrFile))
	if err != nil {
		return RunReport{}, fmt.Errorf("failed to create stderr: %w", err)
	}
	defer stderr.Close()
	cmd.Stderr = stderr

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return RunReport{}, fmt.Errorf("failed to start program: %w", err)
	}
	if err := setProcessLimits(cmd.Process.Pid, spec.Limits); err != nil {
		l.logger.Warn("failed to apply process limits", zap.Int("box_id", boxID), zap.Error(err))
	}

	waitErr := cmd.Wait()
	rep := RunReport{WallTime: time.Since(start)}

	state := cmd.ProcessState
	if state == nil {
		return RunReport{}, fmt.Errorf("failed to wait for program: %w", waitErr)
	}
	rep.CPUTime = state.UserTime() + state.SystemTime()
	rep.PeakMemory = peakRSS(state)
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		rep.Signal = int(ws.Signal())
	} else {
		rep.ExitCode = state.ExitCode()
	}

	if err := ctx.Err(); err != nil {
		return rep, fmt.Errorf("program terminated: %w", err)
	}
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		rep.TimedOut = true
		rep.Killed = true
		rep.Message = "wall time limit exceeded"
	}
	if rep.Signal == int(syscall.SIGXCPU) {
		rep.TimedOut = true
		rep.Killed = true
		rep.Message = "cpu time limit exceeded"
	}

	return rep, nil
}
