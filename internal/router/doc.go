// Package router implements durable, at-least-once envelope delivery
// between division gateways.
//
// Send persists the envelope before the first delivery attempt (write-ahead)
// and then tries to deliver within the configured SLA, retrying with
// exponential backoff and jitter. When the SLA elapses first the caller
// fails fast with AGENT_UNAVAILABLE while the Dispatcher keeps retrying in
// the background up to MaxAttempts. Exhausted envelopes land in the
// dead-letter store exactly once and are only ever requeued by operator
// replay.
//
// A response envelope for a request is only sent after the request delivery
// was acknowledged, which gives causal ordering within a correlationId.
// There is no ordering guarantee across different source/target pairs.
package router
