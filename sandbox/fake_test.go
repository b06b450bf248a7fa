package sandbox

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// runFunc simulates a program run inside workDir
type runFunc func(ctx context.Context, workDir string, spec RunSpec) (RunReport, error)

// fakeIsolator implements Isolator on plain directories and records how boxes
// are used so tests can check exclusivity.
type fakeIsolator struct {
	root string
	run  runFunc

	mu           sync.Mutex
	initErr      error
	cleanupFails map[int]int // remaining failing cleanups per box
	active       map[int]bool
	running      int
	maxRunning   int
	overlap      bool
	inits        int
	cleanups     map[int]int
}

func newFakeIsolator(t *testing.T, run runFunc) *fakeIsolator {
	t.Helper()
	return &fakeIsolator{
		root:         t.TempDir(),
		run:          run,
		cleanupFails: make(map[int]int),
		active:       make(map[int]bool),
		cleanups:     make(map[int]int),
	}
}

func (f *fakeIsolator) workDir(boxID int) string {
	return filepath.Join(f.root, strconv.Itoa(boxID), "box")
}

func (f *fakeIsolator) Init(_ context.Context, boxID int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.inits++
	if f.initErr != nil {
		return "", f.initErr
	}
	if f.active[boxID] {
		f.overlap = true
	}
	f.active[boxID] = true

	dir := f.workDir(boxID)
	if err := os.MkdirAll(dir, DirPermission); err != nil {
		return "", err
	}
	return dir, nil
}

//nolint:gocritic // RunSpec is passed by value to match the Isolator interface
func (f *fakeIsolator) Run(ctx context.Context, boxID int, spec RunSpec) (RunReport, error) {
	f.mu.Lock()
	f.running++
	f.maxRunning = max(f.maxRunning, f.running)
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.running--
		f.mu.Unlock()
	}()

	if f.run == nil {
		return RunReport{WallTime: time.Millisecond}, nil
	}
	return f.run(ctx, f.workDir(boxID), spec)
}

func (f *fakeIsolator) Cleanup(_ context.Context, boxID int) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.cleanups[boxID]++
	if f.cleanupFails[boxID] > 0 {
		f.cleanupFails[boxID]--
		return errors.New("device or resource busy")
	}
	f.active[boxID] = false
	return os.RemoveAll(filepath.Dir(f.workDir(boxID)))
}

func (f *fakeIsolator) failCleanup(boxID, times int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleanupFails[boxID] = times
}

func (f *fakeIsolator) stats() (overlap bool, maxRunning int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.overlap, f.maxRunning
}

// writeOutput is a runFunc helper that writes the given stdout and reports rep
func writeOutput(stdout string, rep RunReport) runFunc {
	return func(_ context.Context, workDir string, spec RunSpec) (RunReport, error) {
		if err := os.WriteFile(filepath.Join(workDir, spec.StdoutFile), []byte(stdout), FilePermission); err != nil {
			return RunReport{}, err
		}
		return rep, nil
	}
}

// testExecutable writes a dummy program to a temp dir and returns its path
func testExecutable(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "solution")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"), ExecutablePermission))
	return path
}

func testLimits() Limits {
	return Limits{
		WallTime:   2 * time.Second,
		CPUTime:    time.Second,
		Memory:     64 * MiB,
		OutputSize: 64 * KiB,
		Processes:  1,
	}
}

// newTestManager builds a Manager over a fresh pool and fake isolator
func newTestManager(t *testing.T, size int, iso *fakeIsolator, opts ...ManagerOption) *Manager {
	t.Helper()
	logger := zaptest.NewLogger(t)
	pool, err := NewBoxPool(logger, 0, size, time.Second)
	require.NoError(t, err)
	return NewManager(logger, iso, pool, testLimits(), opts...)
}
