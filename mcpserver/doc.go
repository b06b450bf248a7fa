// Package mcpserver provides the Model Context Protocol (MCP) server implementation.
//
// The mcpserver package is the host process surface of the execution manager.
// It exposes a single execute_program tool through the mark3labs/mcp-go
// library, translates tool arguments (including named limit profiles) into a
// sandbox.Request and returns the classified result as JSON.
package mcpserver
