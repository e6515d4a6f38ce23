// Package main hosts the pdxseg CLI entrypoint and command graph.
//
// The Cobra-based command tree translates terminal invocations into HTTP
// calls against the daemon: study ingest and upload, segmentation jobs,
// results, re-segmentation, and exports. It also runs the daemon in the
// foreground (serve), manages a background daemon (start, stop), and
// scaffolds configuration.
//
// Keep this package lean: add new functionality to the internal packages
// first, then surface it through dedicated commands or flags here.
package main
