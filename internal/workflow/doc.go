// Package workflow runs segmentation jobs in the background.
//
// The Runner validates a start request, records a pending job in the
// registry, and schedules the two-pass pipeline on a pool bounded by
// workflow.max_concurrent_jobs. Every run ends in exactly one terminal
// registry transition, even when the pipeline panics. Runs are detached from
// the caller's context and are never cancelled once started; Stop waits for
// in-flight runs to drain.
//
// Progress is reported to the registry as a percentage: classification
// covers 0-50 and segmentation 50-99, with 100 set on completion.
package workflow
