package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/isdmx/boxrun/config"
	"github.com/isdmx/boxrun/sandbox"
)

// MockExecutor implements sandbox.Executor for testing
type MockExecutor struct {
	executeResult sandbox.Result
	executeError  error
	lastRequest   sandbox.Request
}

func (m *MockExecutor) Execute(_ context.Context, req sandbox.Request) (sandbox.Result, error) { //nolint:gocritic // Mock implementation requires full parameter signature
	m.lastRequest = req
	return m.executeResult, m.executeError
}

func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{
			Transport: "stdio",
			HTTPPort:  8080,
		},
		Sandbox: config.SandboxConfig{
			Backend:        config.BackendIsolate,
			IsolatePath:    "/usr/local/bin/isolate",
			PoolSize:       4,
			AcquireTimeout: time.Second,
			SafetyMargin:   2 * time.Second,
			Limits: config.LimitsConfig{
				WallTime:  10 * time.Second,
				CPUTime:   5 * time.Second,
				MemoryMB:  256,
				OutputKB:  64,
				Processes: 1,
			},
		},
		Logging: config.LoggingConfig{
			Mode:  "production",
			Level: "info",
		},
	}
}

func callRequest(args map[string]any) mcp.CallToolRequest {
	req := mcp.CallToolRequest{}
	req.Params.Name = "execute_program"
	req.Params.Arguments = args
	return req
}

func resultText(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	require.NotNil(t, res)
	require.Len(t, res.Content, 1)
	text, ok := res.Content[0].(mcp.TextContent)
	require.True(t, ok)
	return text.Text
}

func TestNewMCPServer(t *testing.T) {
	logger := zaptest.NewLogger(t)

	t.Run("WithoutProfiles", func(t *testing.T) {
		cfg := testConfig()
		mockExecutor := &MockExecutor{}

		server, err := New(cfg, logger, mockExecutor)
		require.NoError(t, err)
		require.NotNil(t, server)
		assert.Equal(t, cfg, server.config)
		assert.Equal(t, logger, server.logger)
		assert.Equal(t, mockExecutor, server.executor)
		assert.Empty(t, server.profiles)
		assert.NotNil(t, server.mcpServer)
	})

	t.Run("WithProfiles", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "profiles.yaml")
		require.NoError(t, os.WriteFile(path, []byte("profiles:\n  strict:\n    wall_time: 2s\n    cpu_time: 1s\n    memory_mb: 32\n"), 0o600))
		cfg := testConfig()
		cfg.ProfilesFile = path

		server, err := New(cfg, logger, &MockExecutor{})
		require.NoError(t, err)
		require.Contains(t, server.profiles, "strict")
		assert.Equal(t, 32, server.profiles["strict"].MemoryMB)
	})

	t.Run("MissingProfilesFile", func(t *testing.T) {
		cfg := testConfig()
		cfg.ProfilesFile = filepath.Join(t.TempDir(), "missing.yaml")

		_, err := New(cfg, logger, &MockExecutor{})
		require.Error(t, err)
	})
}

func TestBuildRequest(t *testing.T) {
	server := &MCPServer{
		config: testConfig(),
		logger: zaptest.NewLogger(t),
		profiles: map[string]config.LimitsConfig{
			"strict": {WallTime: 2 * time.Second, CPUTime: time.Second, MemoryMB: 32},
		},
	}

	t.Run("Minimal", func(t *testing.T) {
		req, err := server.buildRequest(callRequest(map[string]any{"executable": "/srv/a.out"}))
		require.NoError(t, err)
		assert.Equal(t, "/srv/a.out", req.Executable)
		assert.Empty(t, req.Args)
		assert.Equal(t, sandbox.Limits{}, req.Limits)
	})

	t.Run("ArgsAndStdin", func(t *testing.T) {
		req, err := server.buildRequest(callRequest(map[string]any{
			"executable": "/srv/a.out",
			"args":       []any{"-v", "input file"},
			"stdin":      "1 2\n",
		}))
		require.NoError(t, err)
		assert.Equal(t, []string{"-v", "input file"}, req.Args)
		assert.Equal(t, []byte("1 2\n"), req.StdinData)
	})

	t.Run("CommandLine", func(t *testing.T) {
		req, err := server.buildRequest(callRequest(map[string]any{
			"executable":   "/srv/a.out",
			"command_line": `--name "John Smith" -x`,
		}))
		require.NoError(t, err)
		assert.Equal(t, []string{"--name", "John Smith", "-x"}, req.Args)
	})

	t.Run("CommandLineAndArgs", func(t *testing.T) {
		_, err := server.buildRequest(callRequest(map[string]any{
			"executable":   "/srv/a.out",
			"args":         []any{"a"},
			"command_line": "b",
		}))
		require.Error(t, err)
	})

	t.Run("ProfileWithOverrides", func(t *testing.T) {
		req, err := server.buildRequest(callRequest(map[string]any{
			"executable":   "/srv/a.out",
			"profile":      "strict",
			"cpu_time_sec": 0.5,
			"output_kb":    float64(4),
			"processes":    float64(3),
		}))
		require.NoError(t, err)
		assert.Equal(t, sandbox.Limits{
			WallTime:   2 * time.Second,
			CPUTime:    500 * time.Millisecond,
			Memory:     32 * sandbox.MiB,
			OutputSize: 4 * sandbox.KiB,
			Processes:  3,
		}, req.Limits)
	})

	t.Run("UnknownProfile", func(t *testing.T) {
		_, err := server.buildRequest(callRequest(map[string]any{"executable": "/srv/a.out", "profile": "lenient"}))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unknown profile")
	})

	t.Run("MissingExecutable", func(t *testing.T) {
		_, err := server.buildRequest(callRequest(map[string]any{}))
		require.Error(t, err)
	})
}

func TestHandleExecuteProgram(t *testing.T) {
	logger := zaptest.NewLogger(t)
	ctx := context.Background()

	t.Run("Success", func(t *testing.T) {
		mockExecutor := &MockExecutor{executeResult: sandbox.Result{
			ID:         "exec-1",
			Verdict:    sandbox.VerdictTimeLimitExceeded,
			Signal:     9,
			WallTime:   1500 * time.Millisecond,
			CPUTime:    time.Second,
			PeakMemory: 8 * sandbox.MiB,
			Stdout:     []byte("partial"),
			BoxID:      2,
		}}
		server, err := New(testConfig(), logger, mockExecutor)
		require.NoError(t, err)

		res, err := server.handleExecuteProgram(ctx, callRequest(map[string]any{"executable": "/srv/a.out"}))
		require.NoError(t, err)
		assert.False(t, res.IsError)

		var body map[string]any
		require.NoError(t, json.Unmarshal([]byte(resultText(t, res)), &body))
		assert.Equal(t, "TLE", body["verdict"])
		assert.Equal(t, "Time Limit Exceeded", body["verdict_long"])
		assert.Equal(t, "SIGKILL", body["signal"])
		assert.InDelta(t, 1500, body["wall_time_ms"], 0)
		assert.InDelta(t, 8192, body["peak_memory_kb"], 0)
		assert.Equal(t, "partial", body["stdout"])
		assert.Equal(t, "none", body["termination"])
		assert.Equal(t, "/srv/a.out", mockExecutor.lastRequest.Executable)
	})

	t.Run("PoolExhausted", func(t *testing.T) {
		mockExecutor := &MockExecutor{executeError: fmt.Errorf("%w: no box free after 1s", sandbox.ErrPoolExhausted)}
		server, err := New(testConfig(), logger, mockExecutor)
		require.NoError(t, err)

		res, err := server.handleExecuteProgram(ctx, callRequest(map[string]any{"executable": "/srv/a.out"}))
		require.NoError(t, err)
		assert.True(t, res.IsError)
		assert.Contains(t, resultText(t, res), "retry later")
	})

	t.Run("SetupFailureCarriesResult", func(t *testing.T) {
		mockExecutor := &MockExecutor{
			executeResult: sandbox.Result{ID: "exec-2", Verdict: sandbox.VerdictSandboxSetupFailure, Message: "isolate --init exited with 2"},
			executeError:  &sandbox.SetupError{Stage: sandbox.StageInit, BoxID: 1},
		}
		server, err := New(testConfig(), logger, mockExecutor)
		require.NoError(t, err)

		res, err := server.handleExecuteProgram(ctx, callRequest(map[string]any{"executable": "/srv/a.out"}))
		require.NoError(t, err)
		assert.True(t, res.IsError)

		var body map[string]any
		require.NoError(t, json.Unmarshal([]byte(resultText(t, res)), &body))
		assert.Equal(t, "SE", body["verdict"])
		assert.Equal(t, "isolate --init exited with 2", body["message"])
	})

	t.Run("InvalidArguments", func(t *testing.T) {
		mockExecutor := &MockExecutor{}
		server, err := New(testConfig(), logger, mockExecutor)
		require.NoError(t, err)

		res, err := server.handleExecuteProgram(ctx, callRequest(map[string]any{"executable": "/srv/a.out", "command_line": `"unterminated`}))
		require.NoError(t, err)
		assert.True(t, res.IsError)
		assert.Empty(t, mockExecutor.lastRequest.Executable)
	})
}
