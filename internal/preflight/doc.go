// Package preflight provides readiness checks for the filesystem paths and
// model server pdxseg depends on.
//
// The daemon runs RunAll at startup and logs each result; the CLI "status"
// command renders the same results as a table. Checks never abort startup on
// their own.
package preflight
