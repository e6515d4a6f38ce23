// Package notifications delivers job events to ntfy.
//
// NewService returns a no-op implementation when no topic is configured, and
// honours the per-event toggles in the [notifications] config section.
package notifications
