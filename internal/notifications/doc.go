// Package notifications pushes finished-run messages to an ntfy topic.
//
// When no topic is configured NewService returns a no-op, so callers never
// need to check whether notifications are enabled.
package notifications
