// Package orchestrator turns document commands into queued conversion tasks
// and turns worker results back into row transitions, callbacks, and
// broadcasts. Every state change goes through the result store's conditional
// update, so any number of orchestrator processes can race safely.
package orchestrator
