// Package services defines shared utilities consumed by the pipeline
// components and the external integrations they call.
//
// Key responsibilities:
//   - Context helpers that stamp run IDs, stage names, usernames, and
//     correlation identifiers for logging.
//   - Structured error markers plus the Wrap helper, and Classify which turns
//     an error chain into the coarse Kind reported to run callers.
//
// Component packages wrap their failures with these markers so the
// orchestrator can classify them without knowing backend-specific types.
package services
