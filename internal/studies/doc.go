// Package studies ingests image stacks and serves them to the segmentation
// pipeline.
//
// A study is a directory of PNG or TIFF slices ordered by filename, plus an
// optional study.toml sidecar carrying physical spacing and descriptive
// metadata. Ingested studies are recorded in a SQLite catalog so they survive
// daemon restarts; the slice files themselves stay where they are (in-place
// ingest) or are copied under the storage directory (uploads).
package studies
