// ABOUTME: Package subprocess owns one coding-agent CLI process per agent.
// ABOUTME: Decodes its line-delimited JSON stdout into a typed event stream.

// Package subprocess spawns and supervises coding-agent CLI processes.
//
// Each process speaks newline-delimited JSON on stdin/stdout. The adapter
// decodes stdout into a single-consumer Event stream, serializes user turns
// so a new turn is only written after the prior turn's result event, and
// exposes lifecycle signals (IsAlive, OnExit, Terminate).
//
// Permission prompts never appear on stdout: the CLI is configured to route
// them through the shared HTTP tool endpoint (see internal/permission).
package subprocess
