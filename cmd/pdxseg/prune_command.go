package main

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"pdxseg/internal/artifacts"
	"pdxseg/internal/logging"
	"pdxseg/internal/maintenance"
)

func newPruneCommand(ctx *commandContext) *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete cached slice renders and overlays",
		Long: "Remove derived artifacts (rendered slices and overlays) older than the " +
			"configured retention. Masks are never pruned. Runs locally against storage_dir.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			logger, err := logging.NewFromConfig(cfg)
			if err != nil {
				return err
			}
			logger = logging.NewComponentLogger(logger, "prune")
			store := artifacts.NewStore(cfg.Paths.StorageDir)

			var result artifacts.PruneResult
			if cmd.Flags().Changed("older-than") {
				result = store.PruneDerived(cmd.Context(), olderThan, logger)
			} else {
				result = maintenance.NewScheduler(cfg, store, logger).RunOnce(cmd.Context())
			}
			view := pruneView{Removed: result.Removed}
			for _, failure := range result.Errors {
				view.Failed = append(view.Failed, pruneFailure{Path: failure.Path, Error: failure.Error.Error()})
			}
			return emit(cmd, ctx.outputFormat(), view, func(out io.Writer) error {
				fmt.Fprintf(out, "Removed %d derived artifacts\n", len(view.Removed))
				for _, failure := range view.Failed {
					fmt.Fprintf(out, "  failed: %s: %s\n", failure.Path, failure.Error)
				}
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "Override maintenance.derived_retention_days (0 removes everything)")
	return cmd
}

type pruneView struct {
	Removed []string       `json:"removed"`
	Failed  []pruneFailure `json:"failed,omitempty"`
}

type pruneFailure struct {
	Path  string `json:"path"`
	Error string `json:"error"`
}
