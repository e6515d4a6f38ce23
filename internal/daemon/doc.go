// Package daemon coordinates the long-running pdxseg process.
//
// It wires configuration, the study catalog, the artifact store, the model
// provider, and the job runner into a single lifecycle with flock-based
// locking to prevent multiple instances sharing one storage directory. The
// daemon serves the HTTP API, runs preflight checks at startup, and owns the
// maintenance scheduler.
//
// Keep orchestration logic here: segmentation, measurement, and export live
// in their own packages while the daemon focuses on startup, shutdown, and
// request routing.
package daemon
