package imaging

import (
	"image"
	"math"

	"golang.org/x/image/draw"
)

// Resize scales a grid to the target size with bilinear interpolation. The
// intensities are mapped affinely into 16-bit range for the scaler and mapped
// back afterwards, so the output range matches the input range.
func Resize(g *Grid, size Size) *Grid {
	if g.Size() == size {
		return g.Clone()
	}
	if size.Empty() {
		return NewGrid(size.Width, size.Height)
	}
	lo, hi := g.Bounds()
	span := float64(hi - lo)

	src := image.NewGray16(image.Rect(0, 0, g.Width, g.Height))
	for i, v := range g.Pix {
		var enc uint16
		if span > 0 {
			enc = uint16(math.Round(float64(v-lo) / span * math.MaxUint16))
		}
		src.Pix[2*i] = uint8(enc >> 8)
		src.Pix[2*i+1] = uint8(enc)
	}

	dst := image.NewGray16(image.Rect(0, 0, size.Width, size.Height))
	draw.BiLinear.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)

	out := NewGrid(size.Width, size.Height)
	for i := range out.Pix {
		enc := uint16(dst.Pix[2*i])<<8 | uint16(dst.Pix[2*i+1])
		out.Pix[i] = lo + float32(float64(enc)/math.MaxUint16*span)
	}
	return out
}

// ResizeMask scales a mask with nearest-neighbour sampling so the result stays binary.
func ResizeMask(m *Mask, size Size) *Mask {
	if m.Size() == size {
		out := NewMask(m.Width, m.Height)
		copy(out.Pix, m.Pix)
		return out
	}
	if size.Empty() {
		return NewMask(size.Width, size.Height)
	}
	src := maskToGray(m)
	dst := image.NewGray(image.Rect(0, 0, size.Width, size.Height))
	draw.NearestNeighbor.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)
	return grayToMask(dst)
}

func maskToGray(m *Mask) *image.Gray {
	img := image.NewGray(image.Rect(0, 0, m.Width, m.Height))
	for i, v := range m.Pix {
		if v != 0 {
			img.Pix[i] = 255
		}
	}
	return img
}

func grayToMask(img *image.Gray) *Mask {
	b := img.Bounds()
	out := NewMask(b.Dx(), b.Dy())
	for y := 0; y < b.Dy(); y++ {
		row := img.Pix[y*img.Stride : y*img.Stride+b.Dx()]
		for x, v := range row {
			if v > 127 {
				out.Pix[y*out.Width+x] = 1
			}
		}
	}
	return out
}
