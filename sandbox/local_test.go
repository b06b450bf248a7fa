//go:build linux

package sandbox

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "prog.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), ExecutablePermission))
	return path
}

func newLocalManager(t *testing.T) *Manager {
	t.Helper()
	logger := zaptest.NewLogger(t)
	pool, err := NewBoxPool(logger, 0, 2, time.Second)
	require.NoError(t, err)
	backend := NewLocalBackend(logger, t.TempDir())
	limits := Limits{
		WallTime:   2 * time.Second,
		CPUTime:    time.Second,
		Memory:     UnlimitedSize, // RLIMIT_AS breaks the shell on some hosts
		OutputSize: KiB,
		Processes:  UnlimitedProcesses,
	}
	return NewManager(logger, backend, pool, limits, WithSafetyMargin(time.Second))
}

func TestLocalBackendExecute(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping local backend test in short mode")
	}
	m := newLocalManager(t)
	ctx := context.Background()

	t.Run("OK", func(t *testing.T) {
		res, err := m.Execute(ctx, Request{
			Executable: writeScript(t, `read a b; echo $((a + b)); echo "$1" >&2`),
			Args:       []string{"note"},
			StdinData:  []byte("2 3\n"),
		})
		require.NoError(t, err)
		assert.Equal(t, VerdictOK, res.Verdict)
		assert.Equal(t, "5\n", string(res.Stdout))
		assert.Equal(t, "note\n", string(res.Stderr))
		assert.Positive(t, res.WallTime)
	})

	t.Run("RuntimeError", func(t *testing.T) {
		res, err := m.Execute(ctx, Request{Executable: writeScript(t, "exit 42")})
		require.NoError(t, err)
		assert.Equal(t, VerdictRuntimeError, res.Verdict)
		assert.Equal(t, 42, res.ExitCode)
	})

	t.Run("Signal", func(t *testing.T) {
		res, err := m.Execute(ctx, Request{Executable: writeScript(t, "kill -SEGV $$")})
		require.NoError(t, err)
		assert.Equal(t, VerdictKilledBySignal, res.Verdict)
		assert.Equal(t, "SIGSEGV", res.SignalName())
	})

	t.Run("WallTimeLimit", func(t *testing.T) {
		res, err := m.Execute(ctx, Request{
			Executable: writeScript(t, "sleep 5"),
			Limits:     Limits{WallTime: 200 * time.Millisecond, CPUTime: 100 * time.Millisecond},
		})
		require.NoError(t, err)
		assert.Equal(t, VerdictTimeLimitExceeded, res.Verdict)
		assert.Less(t, res.WallTime, 2*time.Second)
	})

	t.Run("OutputLimit", func(t *testing.T) {
		res, err := m.Execute(ctx, Request{Executable: writeScript(t, "head -c 5000 /dev/zero")})
		require.NoError(t, err)
		assert.Equal(t, VerdictOutputLimitExceeded, res.Verdict)
		assert.LessOrEqual(t, len(res.Stdout), int(KiB))
	})

	t.Run("Env", func(t *testing.T) {
		res, err := m.Execute(ctx, Request{
			Executable: writeScript(t, `echo "$GREETING"`),
			Env:        map[string]string{"GREETING": "hi"},
		})
		require.NoError(t, err)
		assert.Equal(t, "hi\n", string(res.Stdout))
	})

	assert.Equal(t, 2, m.Stats().Free)
}

func TestLocalBackendBoxes(t *testing.T) {
	root := t.TempDir()
	b := NewLocalBackend(zaptest.NewLogger(t), root)
	ctx := context.Background()

	dir, err := b.Init(ctx, 4)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "4", "box"), dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "residue"), []byte("x"), FilePermission))

	// Init always starts from an empty directory
	dir, err = b.Init(ctx, 4)
	require.NoError(t, err)
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)

	require.NoError(t, b.Cleanup(ctx, 4))
	_, err = os.Stat(filepath.Join(root, "4"))
	assert.True(t, os.IsNotExist(err))
}
