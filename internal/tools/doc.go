// Package tools implements the tool registry and execution framework.
//
// Definitions are versioned independently: summarizer@1.0.0 and
// summarizer@2.0.0 coexist and are addressed separately. Visibility follows
// the definition's allowedDivisions. Removal is guarded: a version with
// in-flight executions or remaining division grants returns VERSION_IN_USE
// unless forced.
//
// Invocation validates params against the input schema before any execution
// record exists, then drives pending -> running -> completed/failed under
// the definition's hard deadline. Terminal records are write-once: a tool
// response arriving after a recorded timeout is discarded.
package tools
