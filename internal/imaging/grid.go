package imaging

import (
	"fmt"
	"math"
)

// Size is a raster geometry in pixels.
type Size struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

func (s Size) String() string { return fmt.Sprintf("%dx%d", s.Width, s.Height) }

// Empty reports whether the size has no pixels.
func (s Size) Empty() bool { return s.Width <= 0 || s.Height <= 0 }

// Grid is a row-major single-channel intensity raster.
type Grid struct {
	Width  int
	Height int
	Pix    []float32
}

// NewGrid allocates a zeroed grid.
func NewGrid(width, height int) *Grid {
	if width < 0 {
		width = 0
	}
	if height < 0 {
		height = 0
	}
	return &Grid{Width: width, Height: height, Pix: make([]float32, width*height)}
}

// Size returns the grid geometry.
func (g *Grid) Size() Size { return Size{Width: g.Width, Height: g.Height} }

func (g *Grid) At(x, y int) float32 { return g.Pix[y*g.Width+x] }

func (g *Grid) Set(x, y int, v float32) { g.Pix[y*g.Width+x] = v }

// Clone returns a deep copy.
func (g *Grid) Clone() *Grid {
	out := &Grid{Width: g.Width, Height: g.Height, Pix: make([]float32, len(g.Pix))}
	copy(out.Pix, g.Pix)
	return out
}

// Bounds returns the minimum and maximum intensity. An empty grid yields 0, 0.
func (g *Grid) Bounds() (lo, hi float32) {
	if len(g.Pix) == 0 {
		return 0, 0
	}
	lo, hi = float32(math.Inf(1)), float32(math.Inf(-1))
	for _, v := range g.Pix {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	return lo, hi
}

// Validate checks that the pixel buffer matches the declared geometry.
func (g *Grid) Validate() error {
	if g == nil {
		return fmt.Errorf("grid is nil")
	}
	if g.Width <= 0 || g.Height <= 0 {
		return fmt.Errorf("grid has empty geometry %dx%d", g.Width, g.Height)
	}
	if len(g.Pix) != g.Width*g.Height {
		return fmt.Errorf("grid pixel count %d does not match %dx%d", len(g.Pix), g.Width, g.Height)
	}
	return nil
}

// Normalize rescales intensities linearly into [0, 1]. A constant grid is
// returned unchanged (as a copy).
func Normalize(g *Grid) *Grid {
	out := g.Clone()
	lo, hi := g.Bounds()
	if hi == lo {
		return out
	}
	span := hi - lo
	for i, v := range out.Pix {
		out.Pix[i] = (v - lo) / span
	}
	return out
}

// Mask is a row-major binary raster; every value is 0 or 1.
type Mask struct {
	Width  int
	Height int
	Pix    []uint8
}

// NewMask allocates an all-zero mask.
func NewMask(width, height int) *Mask {
	if width < 0 {
		width = 0
	}
	if height < 0 {
		height = 0
	}
	return &Mask{Width: width, Height: height, Pix: make([]uint8, width*height)}
}

// Size returns the mask geometry.
func (m *Mask) Size() Size { return Size{Width: m.Width, Height: m.Height} }

func (m *Mask) At(x, y int) uint8 { return m.Pix[y*m.Width+x] }

// Count returns the number of positive pixels.
func (m *Mask) Count() int {
	if m == nil {
		return 0
	}
	n := 0
	for _, v := range m.Pix {
		if v != 0 {
			n++
		}
	}
	return n
}

// Binarize marks every score at or above threshold as positive.
func Binarize(scores *Grid, threshold float64) *Mask {
	out := NewMask(scores.Width, scores.Height)
	t := float32(threshold)
	for i, v := range scores.Pix {
		if v >= t {
			out.Pix[i] = 1
		}
	}
	return out
}
