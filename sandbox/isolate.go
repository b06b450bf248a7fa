package sandbox

import (
	"context"
	"fmt"
	"math"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
)

// isolate exits with 0 when the program succeeded, 1 when it failed and
// anything above for its own errors.
const isolateInternalExit = 2

// IsolateBackend implements Isolator by driving the isolate binary
type IsolateBackend struct {
	logger     *zap.Logger
	binary     string
	useCgroups bool
	extraTime  time.Duration
	metaDir    string
	cmdRunner  CommandRunner
	fs         FileSystem
}

// IsolateOption defines a functional option for IsolateBackend
type IsolateOption func(*IsolateBackend)

// WithIsolateCommandRunner sets the CommandRunner for IsolateBackend
func WithIsolateCommandRunner(cmdRunner CommandRunner) IsolateOption {
	return func(b *IsolateBackend) {
		b.cmdRunner = cmdRunner
	}
}

// WithIsolateFileSystem sets the FileSystem for IsolateBackend
func WithIsolateFileSystem(fs FileSystem) IsolateOption {
	return func(b *IsolateBackend) {
		b.fs = fs
	}
}

// WithCgroups switches memory accounting to isolate's control group mode
func WithCgroups(enabled bool) IsolateOption {
	return func(b *IsolateBackend) {
		b.useCgroups = enabled
	}
}

// WithExtraTime sets the grace period isolate grants past the CPU limit
func WithExtraTime(d time.Duration) IsolateOption {
	return func(b *IsolateBackend) {
		b.extraTime = d
	}
}

// NewIsolateBackend creates an IsolateBackend. Meta files are written to metaDir.
func NewIsolateBackend(logger *zap.Logger, binary, metaDir string, opts ...IsolateOption) *IsolateBackend {
	if abs, err := filepath.Abs(metaDir); err == nil {
		metaDir = abs
	}

	b := &IsolateBackend{
		logger:    logger,
		binary:    binary,
		metaDir:   metaDir,
		cmdRunner: &RealCommandRunner{}, // Default implementation
		fs:        &RealFileSystem{},    // Default implementation
	}

	for _, opt := range opts {
		opt(b)
	}

	return b
}

func (b *IsolateBackend) command(boxID int) []string {
	args := []string{b.binary, fmt.Sprintf("--box-id=%d", boxID)}
	if b.useCgroups {
		args = append(args, "--cg")
	}
	return args
}

// Init creates the box and returns the host path of its box directory
func (b *IsolateBackend) Init(ctx context.Context, boxID int) (string, error) {
	if err := b.fs.MkdirAll(b.metaDir, DirPermission); err != nil {
		return "", fmt.Errorf("failed to create meta dir: %w", err)
	}

	args := append(b.command(boxID), "--init")
	stdout, stderr, exitCode, err := b.cmdRunner.RunCommand(ctx, args)
	if err != nil {
		return "", fmt.Errorf("failed to run isolate --init: %w", err)
	}
	if exitCode != 0 {
		return "", fmt.Errorf("isolate --init exited with %d: %s", exitCode, strings.TrimSpace(stderr))
	}

	root := strings.TrimSpace(stdout)
	if root == "" {
		return "", fmt.Errorf("isolate --init printed no box path")
	}
	return filepath.Join(root, "box"), nil
}

// Run launches the program inside the box and parses the meta file
func (b *IsolateBackend) Run(ctx context.Context, boxID int, spec RunSpec) (RunReport, error) {
	metaPath := b.metaPath(boxID)
	defer func() {
		if err := b.fs.RemoveAll(metaPath); err != nil {
			b.logger.Warn("failed to remove meta file", zap.String("path", metaPath), zap.Error(err))
		}
	}()

	args := b.runArgs(boxID, metaPath, spec)
	b.logger.Debug("launching isolate", zap.Int("box_id", boxID), zap.Strings("args", args))

	_, stderr, exitCode, err := b.cmdRunner.RunCommand(ctx, args)
	if err != nil {
		return RunReport{}, fmt.Errorf("failed to run isolate --run: %w", err)
	}

	data, _, readErr := readCapped(b.fs, metaPath, -1)
	if readErr != nil || len(data) == 0 {
		if exitCode >= isolateInternalExit {
			return RunReport{InternalError: true, Message: strings.TrimSpace(stderr)}, nil
		}
		return RunReport{}, fmt.Errorf("isolate left no meta file (exit %d): %v", exitCode, readErr)
	}

	rep, err := parseMeta(data)
	if err != nil {
		return RunReport{}, err
	}
	if exitCode >= isolateInternalExit {
		rep.InternalError = true
		if rep.Message == "" {
			rep.Message = strings.TrimSpace(stderr)
		}
	}
	return rep, nil
}

// Cleanup removes the box
func (b *IsolateBackend) Cleanup(ctx context.Context, boxID int) error {
	args := append(b.command(boxID), "--cleanup")
	_, stderr, exitCode, err := b.cmdRunner.RunCommand(ctx, args)
	if err != nil {
		return fmt.Errorf("failed to run isolate --cleanup: %w", err)
	}
	if exitCode != 0 {
		return fmt.Errorf("isolate --cleanup exited with %d: %s", exitCode, strings.TrimSpace(stderr))
	}
	return nil
}

func (b *IsolateBackend) metaPath(boxID int) string {
	return filepath.Join(b.metaDir, fmt.Sprintf("box-%d.meta", boxID))
}

func (b *IsolateBackend) runArgs(boxID int, metaPath string, spec RunSpec) []string {
	l := spec.Limits
	args := b.command(boxID)
	args = append(args, "--meta="+metaPath)

	if l.HasCPUTime() {
		args = append(args, "--time="+seconds(l.CPUTime))
		if b.extraTime > 0 {
			args = append(args, "--extra-time="+seconds(b.extraTime))
		}
	}
	if l.HasWallTime() {
		args = append(args, "--wall-time="+seconds(l.WallTime))
	}
	if l.HasMemory() {
		if b.useCgroups {
			args = append(args, fmt.Sprintf("--cg-mem=%d", kilobytes(l.Memory)))
		} else {
			args = append(args, fmt.Sprintf("--mem=%d", kilobytes(l.Memory)))
		}
	}
	if l.HasOutputSize() {
		args = append(args, fmt.Sprintf("--fsize=%d", kilobytes(l.OutputSize)))
	}
	if l.Stack > 0 {
		args = append(args, fmt.Sprintf("--stack=%d", kilobytes(l.Stack)))
	}
	if l.Processes == UnlimitedProcesses {
		args = append(args, "--processes")
	} else {
		args = append(args, fmt.Sprintf("--processes=%d", l.Processes))
	}

	keys := make([]string, 0, len(spec.Env))
	for k := range spec.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, fmt.Sprintf("--env=%s=%s", k, spec.Env[k]))
	}

	args = append(args,
		"--stdin="+spec.StdinFile,
		"--stdout="+spec.StdoutFile,
		"--stderr="+spec.StderrFile,
		"--run", "--",
		"/box/"+spec.Program,
	)
	return append(args, spec.Args...)
}

func seconds(d time.Duration) string {
	return fmt.Sprintf("%.3f", d.Seconds())
}

// kilobytes rounds a byte count up to whole KiB
func kilobytes(n int64) int64 {
	return int64(math.Ceil(float64(n) / float64(KiB)))
}
