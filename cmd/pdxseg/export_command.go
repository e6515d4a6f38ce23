package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"pdxseg/internal/api"
	"pdxseg/internal/export"
)

func newExportCommand(ctx *commandContext) *cobra.Command {
	var (
		kind   string
		format string
		prefix string
		outDir string
	)
	cmd := &cobra.Command{
		Use:   "export <study> <images|csv|chart|xlsx|npz|masks>",
		Short: "Download study exports",
		Long: "Download an images archive (overlays, masks, or pngs), the per-slice " +
			"volume CSV, workbook or chart, the image volume as .npz, or the mask " +
			"volume as .npz or .mat for a study.",
		Args:      cobra.ExactArgs(2),
		ValidArgs: []string{"images", "csv", "chart", "xlsx", "npz", "masks"},
		RunE: func(cmd *cobra.Command, args []string) error {
			studyID := args[0]
			query := url.Values{}
			if prefix != "" {
				query.Set("prefix", prefix)
			}

			var remote, local string
			switch strings.ToLower(args[1]) {
			case "images":
				query.Set("kind", kind)
				remote, local = "images.zip", export.ArchiveFilename(kind, prefix)
			case "csv":
				remote, local = "volumes.csv", export.Prefixed(prefix, "volumes.csv")
			case "chart":
				remote, local = "volumes.png", export.Prefixed(prefix, "volumes.png")
			case "xlsx":
				remote, local = "volumes.xlsx", export.Prefixed(prefix, "volumes.xlsx")
			case "npz":
				remote, local = "images.npz", export.StackFilename("images", export.FormatNPZ, prefix)
			case "masks":
				parsed, err := export.ParseStackFormat(format)
				if err != nil {
					return err
				}
				query.Set("format", parsed)
				remote, local = "masks", export.StackFilename("masks", parsed, prefix)
			default:
				return fmt.Errorf("unknown export %q (want images, csv, chart, xlsx, npz, or masks)", args[1])
			}

			target := filepath.Join(outDir, local)
			if err := os.MkdirAll(outDir, 0o755); err != nil {
				return fmt.Errorf("create output directory: %w", err)
			}
			return ctx.withClient(cmd, func(c context.Context, client *api.Client) error {
				if err := downloadTo(c, client, studyID, remote, query, target); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", target)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&kind, "kind", export.KindOverlays, "Images archive kind: overlays, masks, or pngs")
	cmd.Flags().StringVar(&format, "format", export.FormatNPZ, "Mask volume format: npz or mat")
	cmd.Flags().StringVar(&prefix, "prefix", "", "Prefix for exported file names")
	cmd.Flags().StringVarP(&outDir, "out", "d", ".", "Directory to write the export into")
	return cmd
}

// downloadTo writes to a temp file and renames it so a failed download never
// leaves a partial export behind.
func downloadTo(ctx context.Context, client *api.Client, studyID, remote string, query url.Values, target string) error {
	tmp, err := os.CreateTemp(filepath.Dir(target), ".pdxseg-export-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := client.Export(ctx, studyID, remote, query, tmp); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close export: %w", err)
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		return fmt.Errorf("write %s: %w", target, err)
	}
	return nil
}
