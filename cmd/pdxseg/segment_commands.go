package main

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"pdxseg/internal/api"
	"pdxseg/internal/logging"
	"pdxseg/internal/results"
)

func newSegmentCommands(ctx *commandContext) []*cobra.Command {
	var (
		threshold float64
		model     string
		wait      bool
		poll      time.Duration
	)
	segmentCmd := &cobra.Command{
		Use:   "segment <study>",
		Short: "Start a segmentation job for a study",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(cmd, func(c context.Context, client *api.Client) error {
				started, err := client.StartJob(c, api.StartRequest{StudyID: args[0], Threshold: threshold, Model: model})
				if err != nil {
					return err
				}
				if !wait {
					return emit(cmd, ctx.outputFormat(), started, func(out io.Writer) error {
						fmt.Fprintf(out, "Job %s queued\n", started.JobID)
						return nil
					})
				}

				stderr := cmd.ErrOrStderr()
				sampler := logging.NewProgressSampler(10)
				final, err := client.WaitForJob(c, started.JobID, poll, func(s api.JobStatus) {
					if ctx.outputFormat() == outputTable && sampler.ShouldLog(float64(s.Progress), s.Status) {
						fmt.Fprintf(stderr, "%s %3d%%\n", s.Status, s.Progress)
					}
				})
				if err != nil {
					return err
				}
				if final.Status == "error" {
					return fmt.Errorf("job %s failed: %s", final.JobID, final.Error)
				}
				result, err := client.Result(c, final.JobID)
				if err != nil {
					return err
				}
				return emitResult(cmd, ctx.outputFormat(), result)
			})
		},
	}
	segmentCmd.Flags().Float64Var(&threshold, "threshold", 0, "Segmentation threshold in (0,1]; 0 uses pipeline.default_threshold")
	segmentCmd.Flags().StringVar(&model, "model", "", "Segmenter weights to use instead of inference.segmenter_weights")
	segmentCmd.Flags().BoolVarP(&wait, "wait", "w", false, "Wait for the job and print its result")
	segmentCmd.Flags().DurationVar(&poll, "poll", time.Second, "Polling interval while waiting")

	jobsCmd := &cobra.Command{
		Use:   "jobs",
		Short: "List segmentation jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(cmd, func(c context.Context, client *api.Client) error {
				list, err := client.Jobs(c)
				if err != nil {
					return err
				}
				return emit(cmd, ctx.outputFormat(), api.JobListResponse{Jobs: list}, func(out io.Writer) error {
					if len(list) == 0 {
						fmt.Fprintln(out, "No jobs")
						return nil
					}
					fmt.Fprintln(out, renderJobsTable(list, shouldColorize(out)))
					return nil
				})
			})
		},
	}

	jobCmd := &cobra.Command{
		Use:   "job <job>",
		Short: "Show the status of a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(cmd, func(c context.Context, client *api.Client) error {
				status, err := client.JobStatus(c, args[0])
				if err != nil {
					return err
				}
				return emit(cmd, ctx.outputFormat(), status, func(out io.Writer) error {
					fmt.Fprintln(out, renderJobsTable([]api.JobStatus{*status}, shouldColorize(out)))
					if status.Error != "" {
						fmt.Fprintf(out, "Error: %s\n", status.Error)
					}
					return nil
				})
			})
		},
	}

	resultCmd := &cobra.Command{
		Use:   "result <job>",
		Short: "Show the volume report of a completed job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(cmd, func(c context.Context, client *api.Client) error {
				result, err := client.Result(c, args[0])
				if err != nil {
					return err
				}
				return emitResult(cmd, ctx.outputFormat(), result)
			})
		},
	}

	resegmentCmd := &cobra.Command{
		Use:   "resegment <study> <slice>...",
		Short: "Re-run the segmenter for specific 1-based slices",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			slices, err := parseSliceList(args[1:])
			if err != nil {
				return err
			}
			return ctx.withClient(cmd, func(c context.Context, client *api.Client) error {
				resp, err := client.Resegment(c, api.ResegmentRequest{StudyID: args[0], Slices: slices})
				if err != nil {
					return err
				}
				return emit(cmd, ctx.outputFormat(), resp, func(out io.Writer) error {
					if len(resp.UpdatedSlices) == 0 {
						fmt.Fprintln(out, "No slices updated")
						return nil
					}
					fmt.Fprintf(out, "Updated slices: %s\n", joinInts(resp.UpdatedSlices))
					return nil
				})
			})
		},
	}

	return []*cobra.Command{segmentCmd, jobsCmd, jobCmd, resultCmd, resegmentCmd}
}

// parseSliceList accepts indices as separate arguments or comma-separated.
func parseSliceList(args []string) ([]int, error) {
	var out []int
	for _, arg := range args {
		for _, field := range strings.Split(arg, ",") {
			field = strings.TrimSpace(field)
			if field == "" {
				continue
			}
			idx, err := strconv.Atoi(field)
			if err != nil || idx < 1 {
				return nil, fmt.Errorf("invalid slice index %q", field)
			}
			out = append(out, idx)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("at least one slice index is required")
	}
	return out, nil
}

func renderJobsTable(list []api.JobStatus, colorize bool) string {
	rows := make([][]string, 0, len(list))
	for _, job := range list {
		rows = append(rows, []string{
			job.JobID,
			job.StudyID,
			jobStatusLabel(job.Status, colorize),
			fmt.Sprintf("%d%%", job.Progress),
			strconv.FormatFloat(job.Threshold, 'g', -1, 64),
			job.UpdatedAt,
		})
	}
	return renderTable(
		[]string{"Job", "Study", "Status", "Progress", "Threshold", "Updated"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignRight, alignLeft},
	)
}

func emitResult(cmd *cobra.Command, format outputFormat, result *results.Result) error {
	return emit(cmd, format, result, func(out io.Writer) error {
		rows := make([][]string, 0, len(result.SliceIndices))
		for i, idx := range result.SliceIndices {
			row := []string{strconv.Itoa(idx), "", "", ""}
			if i < len(result.ClassificationFlags) {
				row[1] = yesNo(result.ClassificationFlags[i])
			}
			if i < len(result.RawAreas) {
				row[2] = strconv.Itoa(result.RawAreas[i])
			}
			if i < len(result.SliceAreasCC) {
				row[3] = strconv.FormatFloat(result.SliceAreasCC[i], 'f', 4, 64)
			}
			rows = append(rows, row)
		}
		fmt.Fprintln(out, renderTable(
			[]string{"Slice", "Tumor", "Pixels", "Area (cc)"},
			rows,
			[]columnAlignment{alignRight, alignLeft, alignRight, alignRight},
		))
		fmt.Fprintf(out, "Study %s: total tumor volume %.4f cc\n", result.StudyID, result.TotalVolumeCC)
		return nil
	})
}

func joinInts(values []int) string {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = strconv.Itoa(v)
	}
	return strings.Join(parts, ", ")
}
