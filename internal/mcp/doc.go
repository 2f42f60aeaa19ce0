// Package mcp exposes taskflow over the Model Context Protocol.
//
// The server speaks MCP on stdio and offers three tools:
//
//   - run_task runs a goal through the orchestrator and records it as a session
//   - session_get returns a session with its messages
//   - session_list lists session summaries, newest first
//
// Tool errors are reported to the client as tool results with IsError set,
// so a failed run does not tear down the MCP session.
package mcp
