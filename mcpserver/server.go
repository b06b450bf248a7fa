package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/shlex"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/isdmx/boxrun/config"
	"github.com/isdmx/boxrun/sandbox"
)

// MCPServer represents the MCP server
type MCPServer struct {
	config    *config.Config
	logger    *zap.Logger
	executor  sandbox.Executor
	profiles  map[string]config.LimitsConfig
	mcpServer *server.MCPServer
}

// executionResponse is the JSON body returned by the execute_program tool
type executionResponse struct {
	ID              string              `json:"id"`
	Verdict         sandbox.Verdict     `json:"verdict"`
	VerdictLong     string              `json:"verdict_long"`
	ExitCode        int                 `json:"exit_code"`
	Signal          string              `json:"signal,omitempty"`
	Termination     sandbox.Termination `json:"termination"`
	WallTimeMs      int64               `json:"wall_time_ms"`
	CPUTimeMs       int64               `json:"cpu_time_ms"`
	PeakMemoryKB    int64               `json:"peak_memory_kb"`
	Stdout          string              `json:"stdout"`
	Stderr          string              `json:"stderr"`
	StdoutTruncated bool                `json:"stdout_truncated"`
	StderrTruncated bool                `json:"stderr_truncated"`
	BoxID           int                 `json:"box_id"`
	Message         string              `json:"message,omitempty"`
}

// New creates a new MCPServer
func New(cfg *config.Config, logger *zap.Logger, executor sandbox.Executor) (*MCPServer, error) {
	profiles, err := config.LoadProfiles(cfg.ProfilesFile)
	if err != nil {
		return nil, err
	}

	s := &MCPServer{
		config:   cfg,
		logger:   logger,
		executor: executor,
		profiles: profiles,
	}

	// Log configuration parameters on startup
	logger.Info("configuration loaded",
		zap.String("server.transport", s.config.Server.Transport),
		zap.Int("server.http_port", s.config.Server.HTTPPort),
		zap.String("sandbox.backend", s.config.Sandbox.Backend),
		zap.Int("sandbox.pool_size", s.config.Sandbox.PoolSize),
		zap.Duration("sandbox.acquire_timeout", s.config.Sandbox.AcquireTimeout),
		zap.Duration("sandbox.safety_margin", s.config.Sandbox.SafetyMargin),
		zap.Duration("sandbox.limits.wall_time", s.config.Sandbox.Limits.WallTime),
		zap.Duration("sandbox.limits.cpu_time", s.config.Sandbox.Limits.CPUTime),
		zap.Int("sandbox.limits.memory_mb", s.config.Sandbox.Limits.MemoryMB),
		zap.Int("profiles", len(profiles)),
	)

	s.mcpServer = server.NewMCPServer("boxrun", "Sandboxed program execution")
	s.registerExecuteProgramTool()

	return s, nil
}

// registerExecuteProgramTool registers the execute_program tool
func (s *MCPServer) registerExecuteProgramTool() {
	tool := mcp.Tool{
		Name:        "execute_program",
		Description: "Run a prepared executable in an isolated box under resource limits",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"executable": map[string]any{
					"type":        "string",
					"description": "Host path of the compiled program",
				},
				"args": map[string]any{
					"type":        "array",
					"items":       map[string]any{"type": "string"},
					"description": "Program arguments",
				},
				"command_line": map[string]any{
					"type":        "string",
					"description": "Program arguments as a shell-style string (alternative to args)",
				},
				"stdin": map[string]any{
					"type":        "string",
					"description": "Data fed to standard input",
				},
				"profile": map[string]any{
					"type":        "string",
					"description": "Named limit profile",
				},
				"wall_time_sec": map[string]any{"type": "number", "description": "Wall-clock limit in seconds"},
				"cpu_time_sec":  map[string]any{"type": "number", "description": "CPU-time limit in seconds"},
				"memory_mb":     map[string]any{"type": "number", "description": "Memory limit in MiB"},
				"output_kb":     map[string]any{"type": "number", "description": "Captured output limit per stream in KiB"},
				"processes":     map[string]any{"type": "number", "description": "Maximum number of processes"},
			},
			Required: []string{"executable"},
		},
	}

	s.mcpServer.AddTool(tool, s.handleExecuteProgram)
}

// buildRequest turns tool arguments into an execution request
func (s *MCPServer) buildRequest(request mcp.CallToolRequest) (sandbox.Request, error) {
	executable, err := request.RequireString("executable")
	if err != nil {
		return sandbox.Request{}, fmt.Errorf("executable parameter is required: %w", err)
	}

	args := request.GetStringSlice("args", nil)
	if commandLine := request.GetString("command_line", ""); commandLine != "" {
		if len(args) > 0 {
			return sandbox.Request{}, fmt.Errorf("only one of args and command_line may be set")
		}
		if args, err = shlex.Split(commandLine); err != nil {
			return sandbox.Request{}, fmt.Errorf("failed to parse command_line: %w", err)
		}
	}

	var limits sandbox.Limits
	if name := request.GetString("profile", ""); name != "" {
		profile, ok := s.profiles[name]
		if !ok {
			return sandbox.Request{}, fmt.Errorf("unknown profile: %s", name)
		}
		limits = sandbox.LimitsFromConfig(profile)
	}

	if v := request.GetFloat("wall_time_sec", 0); v > 0 {
		limits.WallTime = time.Duration(v * float64(time.Second))
	}
	if v := request.GetFloat("cpu_time_sec", 0); v > 0 {
		limits.CPUTime = time.Duration(v * float64(time.Second))
	}
	if v := request.GetFloat("memory_mb", 0); v > 0 {
		limits.Memory = int64(v * float64(sandbox.MiB))
	}
	if v := request.GetFloat("output_kb", 0); v > 0 {
		limits.OutputSize = int64(v * float64(sandbox.KiB))
	}
	if v := request.GetInt("processes", 0); v > 0 {
		limits.Processes = v
	}

	return sandbox.Request{
		Executable: executable,
		Args:       args,
		StdinData:  []byte(request.GetString("stdin", "")),
		Limits:     limits,
	}, nil
}

// handleExecuteProgram handles the execute_program tool
func (s *MCPServer) handleExecuteProgram(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	req, err := s.buildRequest(request)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	s.logger.Info("executing program in sandbox",
		zap.String("executable", req.Executable),
		zap.Int("args", len(req.Args)),
		zap.Int("stdin_len", len(req.StdinData)))

	result, err := s.executor.Execute(ctx, req)
	if err != nil && result.ID == "" {
		s.logger.Warn("execution not started", zap.Error(err))
		return mcp.NewToolResultError(fmt.Sprintf("Execution failed: %v", describe(err))), nil
	}

	body, marshalErr := json.Marshal(toResponse(result))
	if marshalErr != nil {
		return nil, fmt.Errorf("failed to encode result: %w", marshalErr)
	}

	if err != nil {
		s.logger.Error("sandbox execution failed", zap.Error(err), zap.String("exec_id", result.ID))
		return &mcp.CallToolResult{
			Content: []mcp.Content{mcp.TextContent{Type: "text", Text: string(body)}},
			IsError: true,
		}, nil
	}

	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: string(body)}},
	}, nil
}

// describe adds a retry hint for backpressure failures
func describe(err error) string {
	if errors.Is(err, sandbox.ErrPoolExhausted) {
		return err.Error() + " (all boxes busy, retry later)"
	}
	return err.Error()
}

func toResponse(r sandbox.Result) executionResponse { //nolint:gocritic // Result is small enough to copy
	return executionResponse{
		ID:              r.ID,
		Verdict:         r.Verdict,
		VerdictLong:     r.Verdict.Long(),
		ExitCode:        r.ExitCode,
		Signal:          r.SignalName(),
		Termination:     r.Termination,
		WallTimeMs:      r.WallTime.Milliseconds(),
		CPUTimeMs:       r.CPUTime.Milliseconds(),
		PeakMemoryKB:    r.PeakMemory / sandbox.KiB,
		Stdout:          string(r.Stdout),
		Stderr:          string(r.Stderr),
		StdoutTruncated: r.StdoutTruncated,
		StderrTruncated: r.StderrTruncated,
		BoxID:           r.BoxID,
		Message:         r.Message,
	}
}

// ServeStdio starts the server on stdio
func (s *MCPServer) ServeStdio() error {
	s.logger.Info("starting MCP server on stdio")
	return server.ServeStdio(s.mcpServer)
}

// ServeHTTP starts the server on HTTP
func (s *MCPServer) ServeHTTP() error {
	port := s.config.Server.HTTPPort
	s.logger.Info("starting MCP server on HTTP", zap.Int("port", port))

	httpServer := server.NewStreamableHTTPServer(s.mcpServer)
	return httpServer.Start(fmt.Sprintf(":%d", port))
}
