// Package mcp implements the Model Context Protocol (MCP), a bidirectional
// JSON-RPC 2.0 session protocol for connecting LLM applications with external
// data sources and tools.
//
// The package provides both sides of the protocol: a Server that exposes
// tools, resources, prompts, completions and logging to a connected client,
// and a Client that consumes those capabilities and may itself serve
// sampling, roots and elicitation requests issued by the server. Both peers
// share the same codec, router and session machinery and speak over
// pluggable transports: newline-delimited stdio (StdIO) and Streamable HTTP
// (StreamableHTTPServer / StreamableHTTPClient).
package mcp
