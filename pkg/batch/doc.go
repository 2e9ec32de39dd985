// Package batch implements the batch execution engine: a registry that
// validates submissions, a coordinator that runs each item through a
// pluggable Executor under a per-batch concurrency limit, a pure result
// aggregator, and read-only snapshots for polling clients.
package batch
