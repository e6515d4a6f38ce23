// Package config loads, normalizes, and validates pdxseg configuration data.
//
// It supplies repository defaults, expands user paths (including tilde
// shortcuts), reads TOML files, and honours environment fallbacks such as
// PDXSEG_STORAGE_DIR and PDXSEG_INFERENCE_URL. The Config type centralizes
// every knob the daemon and CLI need: where studies and derived artifacts
// live, which inference backend serves the classifier and segmenter, and how
// many jobs may run at once.
//
// Always obtain settings through this package so downstream code receives
// sanitized paths, canonical log formats, and clear validation errors.
package config
