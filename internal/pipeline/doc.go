// Package pipeline runs the two-pass classify-then-segment procedure over a
// study.
//
// Pass 1 classifies every slice for tumor presence. The positive span runs
// from the first to the last positive slice, inclusive, and includes any
// negative slices between them. Pass 2 segments every slice inside the span
// and writes an all-zero mask for every slice outside it, so a finished run
// leaves exactly one mask per slice.
package pipeline
