// ABOUTME: Package bridge ties one agent's room, subprocess, and queues together.
// ABOUTME: One Session per agent: message routing, output pumping, crash recovery.

// Package bridge runs one Session per agent. A Session owns the agent's
// subprocess, routes operator messages to it (after peeling off reserved
// commands and permission replies), pumps subprocess events into the rate-
// limited output queue, and decides what to do when the subprocess dies.
package bridge
