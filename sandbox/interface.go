package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"
)

// Isolator is the narrow control surface of the isolation primitive: create,
// run in and tear down a numbered box. Limits are enforced by the primitive.
type Isolator interface {
	// Init creates box boxID and returns the host path of its working directory.
	Init(ctx context.Context, boxID int) (workDir string, err error)
	// Run executes spec inside an initialized box and reports what it measured.
	// A non-nil error means the program could not be launched or supervised,
	// or that ctx ended the run before it finished.
	Run(ctx context.Context, boxID int, spec RunSpec) (RunReport, error)
	// Cleanup removes the box and everything in it.
	Cleanup(ctx context.Context, boxID int) error
}

// RunSpec describes one program launch inside a box. File names are relative
// to the box working directory.
type RunSpec struct {
	Program    string
	Args       []string
	Env        map[string]string
	Limits     Limits
	StdinFile  string
	StdoutFile string
	StderrFile string
}

// RunReport is what the primitive observed about one run
type RunReport struct {
	ExitCode   int
	Signal     int
	Killed     bool // terminated by the primitive
	TimedOut   bool
	OOMKilled  bool
	WallTime   time.Duration
	CPUTime    time.Duration
	PeakMemory int64 // bytes
	// InternalError is set when the primitive itself failed (isolate status XX).
	InternalError bool
	Message       string
}

// CommandRunner defines an interface for executing system commands
type CommandRunner interface {
	RunCommand(ctx context.Context, args []string) (stdout, stderr string, exitCode int, err error)
}

// defaultWaitDelay bounds how long Wait blocks on pipes held open by
// processes the command left behind
const defaultWaitDelay = 2 * time.Second

// RealCommandRunner implements CommandRunner using actual exec commands
type RealCommandRunner struct {
	// WaitDelay overrides defaultWaitDelay when positive.
	WaitDelay time.Duration
}

// RunCommand executes the given command with arguments. A non-zero exit is
// reported through exitCode, not err.
func (r RealCommandRunner) RunCommand(ctx context.Context, args []string) (stdout, stderr string, exitCode int, err error) {
	if len(args) < 1 {
		return "", "", 0, fmt.Errorf("no command provided")
	}

	cmd := exec.CommandContext(ctx, args[0], args[1:]...) //nolint:gosec // Safe as this is controlled input

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &stdoutBuf
	cmd.Stderr = &stderrBuf
	cmd.WaitDelay = defaultWaitDelay
	if r.WaitDelay > 0 {
		cmd.WaitDelay = r.WaitDelay
	}

	err = cmd.Run()
	if err != nil {
		var exitError *exec.ExitError
		if errors.As(err, &exitError) && ctx.Err() == nil {
			return stdoutBuf.String(), stderrBuf.String(), exitError.ExitCode(), nil
		}
		// The command exited but a leftover process still held its output
		if errors.Is(err, exec.ErrWaitDelay) && ctx.Err() == nil && cmd.ProcessState != nil {
			return stdoutBuf.String(), stderrBuf.String(), cmd.ProcessState.ExitCode(), nil
		}
		return stdoutBuf.String(), stderrBuf.String(), -1, err
	}

	return stdoutBuf.String(), stderrBuf.String(), 0, nil
}

// FileSystem defines an interface for file system operations
type FileSystem interface {
	MkdirAll(path string, perm os.FileMode) error
	WriteFile(filename string, data []byte, perm os.FileMode) error
	Open(filename string) (io.ReadCloser, error)
	Create(filename string, perm os.FileMode) (io.WriteCloser, error)
	RemoveAll(path string) error
	FileExists(path string) (bool, error)
}

// RealFileSystem implements FileSystem using actual file system operations
type RealFileSystem struct{}

func (RealFileSystem) MkdirAll(path string, perm os.FileMode) error {
	return os.MkdirAll(path, perm)
}

func (RealFileSystem) WriteFile(filename string, data []byte, perm os.FileMode) error {
	return os.WriteFile(filename, data, perm)
}

func (RealFileSystem) Open(filename string) (io.ReadCloser, error) {
	return os.Open(filename)
}

func (RealFileSystem) Create(filename string, perm os.FileMode) (io.WriteCloser, error) {
	return os.OpenFile(filename, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
}

func (RealFileSystem) RemoveAll(path string) error {
	return os.RemoveAll(path)
}

func (RealFileSystem) FileExists(path string) (bool, error) {
	_, err := os.Stat(path)
	if os.IsNotExist(err) {
		return false, nil
	}
	return err == nil, err
}

// File permission and naming constants
const (
	DirPermission        = 0o755
	FilePermission       = 0o644
	ExecutablePermission = 0o755

	ProgramFileName = "prog"
	StdinFileName   = "stdin.txt"
	StdoutFileName  = "stdout.txt"
	StderrFileName  = "stderr.txt"
)

// copyFile copies src to dst through fs
func copyFile(fs FileSystem, src, dst string, perm os.FileMode) error {
	in, err := fs.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := fs.Create(dst, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// readCapped reads at most limit bytes of a file and reports whether more was
// available. A negative limit reads everything; a missing file reads as empty.
func readCapped(fs FileSystem, path string, limit int64) ([]byte, bool, error) {
	f, err := fs.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, err
	}
	defer f.Close()

	if limit < 0 {
		data, err := io.ReadAll(f)
		return data, false, err
	}

	data, err := io.ReadAll(io.LimitReader(f, limit+1))
	if err != nil {
		return nil, false, err
	}
	if int64(len(data)) > limit {
		return data[:limit], true, nil
	}
	return data, false, nil
}
