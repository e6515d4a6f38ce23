// Package export packages a study's images and measurements for download:
// ZIP archives of masks, overlays or rendered slices, a per-slice volume CSV,
// and a bar chart of slice areas.
package export
