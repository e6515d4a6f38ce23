package export

import (
	"archive/zip"
	"encoding/csv"
	"fmt"
	"image/color"
	"io"
	"strconv"
	"strings"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"pdxseg/internal/services"
)

// Entry is one file inside an archive.
type Entry struct {
	Name string
	Data []byte
}

var prefixReplacer = strings.NewReplacer(
	"/", "-",
	"\\", "-",
	":", "-",
	"*", "-",
	"?", "",
	"\"", "",
	"<", "",
	">", "",
	"|", "",
)

// SanitizePrefix makes a user-supplied prefix safe for file and archive entry
// names. Path separators become dashes and leading dots are dropped, so a
// prefix can never escape the extraction directory.
func SanitizePrefix(prefix string) string {
	cleaned := strings.TrimSpace(prefixReplacer.Replace(strings.TrimSpace(prefix)))
	return strings.TrimLeft(cleaned, ".-")
}

// Prefixed prepends the sanitized prefix and an underscore to name when a
// prefix is set.
func Prefixed(prefix, name string) string {
	prefix = SanitizePrefix(prefix)
	if prefix == "" {
		return name
	}
	return prefix + "_" + name
}

// WriteImagesZip writes entries into a deflated ZIP archive, applying prefix
// to every entry name.
func WriteImagesZip(w io.Writer, entries []Entry, prefix string) error {
	zw := zip.NewWriter(w)
	for _, entry := range entries {
		f, err := zw.Create(Prefixed(prefix, entry.Name))
		if err != nil {
			return fmt.Errorf("zip entry %s: %w", entry.Name, err)
		}
		if _, err := f.Write(entry.Data); err != nil {
			return fmt.Errorf("zip entry %s: %w", entry.Name, err)
		}
	}
	return zw.Close()
}

// WriteVolumesCSV writes one row per slice and a trailing total row.
func WriteVolumesCSV(w io.Writer, names []string, areas []float64, total float64) error {
	if len(names) != len(areas) {
		return services.Wrap(services.ErrInvalidInput, "export", "volumes csv",
			fmt.Sprintf("%d slice names for %d areas", len(names), len(areas)), nil)
	}
	cw := csv.NewWriter(w)
	rows := make([][]string, 0, len(names)+2)
	rows = append(rows, []string{"Slice", "Area (cc)"})
	for i, name := range names {
		rows = append(rows, []string{name, formatFloat(areas[i])})
	}
	rows = append(rows, []string{"Total tumor volume (cc)", formatFloat(total)})
	if err := cw.WriteAll(rows); err != nil {
		return fmt.Errorf("write volumes csv: %w", err)
	}
	return nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// WriteVolumeChart renders per-slice areas as a PNG bar chart.
func WriteVolumeChart(w io.Writer, areas []float64) error {
	if len(areas) == 0 {
		return services.Wrap(services.ErrNotFound, "export", "volume chart", "no slice areas to plot", nil)
	}
	p := plot.New()
	p.Title.Text = "Tumor area per slice"
	p.X.Label.Text = "Slice"
	p.Y.Label.Text = "Area (cc)"
	p.Y.Min = 0

	bars, err := plotter.NewBarChart(plotter.Values(areas), vg.Points(6))
	if err != nil {
		return fmt.Errorf("build bar chart: %w", err)
	}
	bars.LineStyle.Width = vg.Length(0)
	bars.Color = color.RGBA{R: 46, G: 160, B: 67, A: 255}
	p.Add(bars)

	writer, err := p.WriterTo(10*vg.Inch, 4*vg.Inch, "png")
	if err != nil {
		return fmt.Errorf("render chart: %w", err)
	}
	if _, err := writer.WriteTo(w); err != nil {
		return fmt.Errorf("write chart: %w", err)
	}
	return nil
}
