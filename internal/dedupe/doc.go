// Package dedupe provides a TTL and size bounded cache mapping messageIds to
// their processing disposition.
//
// The router uses it to make delivery idempotent under at-least-once
// semantics: Begin atomically claims a messageId for processing, and a
// redelivered message finds the recorded disposition instead of reaching the
// target agent twice.
package dedupe
