// Package services defines shared utilities consumed by the segmentation
// pipeline, the job runner, and the HTTP API.
//
// Key responsibilities:
//   - Context helpers that stamp job IDs, study IDs, stage names, and
//     correlation identifiers for logging.
//   - Structured error markers plus the Wrap helper so failures can be
//     classified (not found, invalid input, model failure, partial failure)
//     without string matching.
//   - HTTPStatus, which turns those markers into API status codes.
//
// Use these helpers when wiring new pipeline logic so error reporting and
// observability stay uniform.
package services
