package main

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strconv"

	"github.com/spf13/cobra"

	"pdxseg/internal/api"
	"pdxseg/internal/config"
	"pdxseg/internal/studies"
)

func newStudyCommands(ctx *commandContext) []*cobra.Command {
	ingestCmd := &cobra.Command{
		Use:   "ingest <dir>",
		Short: "Register a directory of slice images as a study",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := config.ExpandPath(args[0])
			if err != nil {
				return err
			}
			if abs, err := filepath.Abs(dir); err == nil {
				dir = abs
			}
			return ctx.withClient(cmd, func(c context.Context, client *api.Client) error {
				resp, err := client.Ingest(c, dir)
				if err != nil {
					return err
				}
				return emitStudyResponse(cmd, ctx.outputFormat(), resp)
			})
		},
	}

	uploadCmd := &cobra.Command{
		Use:   "upload <file>...",
		Short: "Upload slice images (and an optional study.toml) as a new study",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			paths := make([]string, 0, len(args))
			for _, arg := range args {
				path, err := config.ExpandPath(arg)
				if err != nil {
					return err
				}
				paths = append(paths, path)
			}
			return ctx.withClient(cmd, func(c context.Context, client *api.Client) error {
				resp, err := client.Upload(c, paths)
				if err != nil {
					return err
				}
				return emitStudyResponse(cmd, ctx.outputFormat(), resp)
			})
		},
	}

	infoCmd := &cobra.Command{
		Use:   "info <study>",
		Short: "Show study metadata",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(cmd, func(c context.Context, client *api.Client) error {
				info, err := client.StudyInfo(c, args[0])
				if err != nil {
					return err
				}
				return emit(cmd, ctx.outputFormat(), info, func(out io.Writer) error {
					renderStudyInfo(out, info)
					return nil
				})
			})
		},
	}

	return []*cobra.Command{ingestCmd, uploadCmd, infoCmd}
}

func emitStudyResponse(cmd *cobra.Command, format outputFormat, resp *api.StudyResponse) error {
	return emit(cmd, format, resp, func(out io.Writer) error {
		fmt.Fprintf(out, "Study %s registered with %d slices\n", resp.StudyID, len(resp.Files))
		return nil
	})
}

func renderStudyInfo(out io.Writer, info *studies.Info) {
	rows := [][]string{
		{"Study", info.ID},
		{"Source", info.SourceDir},
		{"Slices", strconv.Itoa(info.SliceCount)},
		{"Size", fmt.Sprintf("%dx%d", info.Cols, info.Rows)},
		{"Spacing (mm)", fmt.Sprintf("%g x %g x %g", info.Spacing.RowMM, info.Spacing.ColMM, info.Spacing.ThicknessMM)},
		{"Uploaded", yesNo(info.Uploaded)},
	}
	if info.Modality != "" {
		rows = append(rows, []string{"Modality", info.Modality})
	}
	if info.Description != "" {
		rows = append(rows, []string{"Description", info.Description})
	}
	if info.PatientID != "" {
		rows = append(rows, []string{"Patient", info.PatientID})
	}
	if info.StudyDate != "" {
		rows = append(rows, []string{"Study date", info.StudyDate})
	}
	fmt.Fprintln(out, renderTable([]string{"Field", "Value"}, rows, nil))
}
