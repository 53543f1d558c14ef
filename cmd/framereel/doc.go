// Package main hosts the framereel CLI entrypoint and command graph.
//
// Generation runs in-process by default and can be submitted to a running
// server with --remote. The remaining commands inspect the run ledger, query
// quota usage, report readiness, and scaffold configuration.
package main
