// Package logs reads the daemon log file for `pdxseg logs`.
//
// Last returns the final lines of a file with bounded memory, and Follow
// streams lines appended after a byte offset until its context is cancelled.
// A missing file is treated as empty so the CLI can be pointed at a daemon
// that has not written anything yet.
package logs
