// Package notifier delivers job results and operator alerts.
//
// Messages are queued and sent by a small worker pool through a Sink
// (webhook or log). Sends are rate limited with a token bucket, retried
// with jittered exponential backoff, and deduplicated within a window.
//
// The service implements engine.Deliverer for payloads with deliver=true
// and logx.AlertSender for error-level log alerts.
//
// # History
//
// A small in-memory history of sent messages is kept for diagnostics.
package notifier
