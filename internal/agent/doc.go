// Package agent implements engine.Executor backends that hand a fired
// payload to the agent and turn its answer into an Outcome.
//
// Drivers: webhook (HTTP POST of a JSON request), command (local process
// reading the message on stdin) and echo (log only).
package agent
