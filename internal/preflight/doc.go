// Package preflight provides readiness checks for the work directories,
// external binaries, and image backend that framereel depends on.
//
// The API server runs RunAll at startup and refuses to serve when a work
// directory is unusable. The CLI "framereel status" command renders the same
// results, optionally probing the backend.
package preflight
