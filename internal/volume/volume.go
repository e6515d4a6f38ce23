// Package volume converts segmentation masks into physical area and volume
// measurements.
package volume

import (
	"gonum.org/v1/gonum/floats"

	"pdxseg/internal/imaging"
)

// Spacing is the physical size of one voxel, in millimetres.
type Spacing struct {
	RowMM       float64 `json:"row_mm"`
	ColMM       float64 `json:"col_mm"`
	ThicknessMM float64 `json:"thickness_mm"`
}

// DefaultSpacing is used when a study carries no spacing metadata.
var DefaultSpacing = Spacing{RowMM: 1, ColMM: 1, ThicknessMM: 1}

// OrDefault replaces non-positive components with the defaults.
func (s Spacing) OrDefault() Spacing {
	if s.RowMM <= 0 || s.ColMM <= 0 {
		s.RowMM, s.ColMM = DefaultSpacing.RowMM, DefaultSpacing.ColMM
	}
	if s.ThicknessMM <= 0 {
		s.ThicknessMM = DefaultSpacing.ThicknessMM
	}
	return s
}

// RawArea counts the positive pixels of a mask. A nil mask has zero area.
func RawArea(m *imaging.Mask) int {
	return m.Count()
}

// ScaledAreaCC converts a pixel count into cubic centimetres for one slab of
// the given thickness.
func ScaledAreaCC(raw int, thicknessMM, rowMM, colMM float64) float64 {
	return float64(raw) * thicknessMM * rowMM * colMM / 1000
}

// ScaleAll applies ScaledAreaCC to every raw area.
func ScaleAll(raws []int, spacing Spacing) []float64 {
	out := make([]float64, len(raws))
	for i, raw := range raws {
		out[i] = ScaledAreaCC(raw, spacing.ThicknessMM, spacing.RowMM, spacing.ColMM)
	}
	return out
}

// TotalVolumeCC sums per-slice scaled areas. An empty input totals zero.
func TotalVolumeCC(scaled []float64) float64 {
	if len(scaled) == 0 {
		return 0
	}
	return floats.Sum(scaled)
}

// Summary is the aggregate of a study's masks.
type Summary struct {
	RawAreas      []int     `json:"raw_areas"`
	SliceAreasCC  []float64 `json:"slice_areas_cc"`
	TotalVolumeCC float64   `json:"total_volume_cc"`
}

// Aggregate measures every mask, in the order given.
func Aggregate(masks []*imaging.Mask, spacing Spacing) Summary {
	raws := make([]int, len(masks))
	for i, m := range masks {
		raws[i] = RawArea(m)
	}
	scaled := ScaleAll(raws, spacing)
	return Summary{
		RawAreas:      raws,
		SliceAreasCC:  scaled,
		TotalVolumeCC: TotalVolumeCC(scaled),
	}
}
