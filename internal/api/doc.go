// Package api defines the JSON payloads exchanged with the pdxseg daemon and
// an HTTP client for them.
//
// The daemon's handlers and the CLI both depend on these types, so field
// names here are the wire contract. Errors returned by Client carry the
// services markers matching the response status so callers can branch with
// errors.Is.
package api
