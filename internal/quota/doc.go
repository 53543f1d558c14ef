// Package quota tracks per-user daily generation counts against tier limits.
//
// Check and Increment mirror the simple gate-then-count contract, while
// Reserve hands out an admission slot that the pipeline later commits or
// releases, so concurrent runs for one user cannot overshoot the limit.
// Records live behind the keyed Store interface; MemoryStore serves a single
// process.
package quota
