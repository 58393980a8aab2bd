// ABOUTME: Package manager drives the operator's agent-creation dialogue.
// ABOUTME: A small state machine collecting kind, repository, and first task.

// Package manager implements the guided conversation in the manager room
// that creates new agents. The flow walks the operator through picking an
// agent kind, a repository under the configured projects root, and an
// initial task, then hands the collected spec to a Creator. "cancel" aborts
// the flow at any step.
package manager
