// ABOUTME: Package permission correlates agent tool-approval requests with
// ABOUTME: operator chat replies, one blocking request per short hex id.

// Package permission pairs permission prompts raised by agent subprocesses
// with free-form operator replies.
//
// When an agent wants to run a guarded tool, its CLI calls back into our MCP
// endpoint. The engine parks that request under a short hex id, notifies the
// operator's chat room, and blocks until a reply, a timeout, or shutdown
// resolves it. Replies may name an id ("yes a3f2") or omit it, in which case
// the oldest pending request for that agent is resolved.
package permission
