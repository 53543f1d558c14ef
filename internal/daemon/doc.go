// Package daemon hosts the long-running framereel server: the HTTP API,
// startup reconciliation of interrupted runs, and the periodic stale frame
// sweep. A file lock in the log directory keeps one server per installation.
package daemon
