// Package ledger records pipeline run history in SQLite.
//
// Each run is inserted when it is admitted (or rejected), moved through its
// states, and finished exactly once with its outcome. The ledger is history
// only; quota decisions never read from it.
package ledger
