package imaging

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"path/filepath"
	"strings"

	"golang.org/x/image/tiff"
)

// SupportedSliceExt reports whether a filename carries a slice image extension.
func SupportedSliceExt(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".png", ".tif", ".tiff", ".dcm":
		return true
	default:
		return false
	}
}

// DecodeSlice reads a PNG, TIFF or DICOM slice into a grid. 16-bit grayscale
// keeps its raw values; every other colour model is reduced to 8-bit luminance.
func DecodeSlice(r io.Reader, name string) (*Grid, error) {
	var (
		img image.Image
		err error
	)
	switch strings.ToLower(filepath.Ext(name)) {
	case ".tif", ".tiff":
		img, err = tiff.Decode(r)
	case ".png":
		img, err = png.Decode(r)
	case ".dcm":
		grid, err := decodeDICOM(r)
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", filepath.Base(name), err)
		}
		return grid, nil
	default:
		return nil, fmt.Errorf("unsupported slice format %q", filepath.Ext(name))
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", filepath.Base(name), err)
	}
	return FromImage(img), nil
}

// FromImage converts any image into an intensity grid.
func FromImage(img image.Image) *Grid {
	b := img.Bounds()
	out := NewGrid(b.Dx(), b.Dy())
	switch src := img.(type) {
	case *image.Gray16:
		for y := 0; y < out.Height; y++ {
			for x := 0; x < out.Width; x++ {
				out.Pix[y*out.Width+x] = float32(src.Gray16At(b.Min.X+x, b.Min.Y+y).Y)
			}
		}
	case *image.Gray:
		for y := 0; y < out.Height; y++ {
			for x := 0; x < out.Width; x++ {
				out.Pix[y*out.Width+x] = float32(src.GrayAt(b.Min.X+x, b.Min.Y+y).Y)
			}
		}
	default:
		for y := 0; y < out.Height; y++ {
			for x := 0; x < out.Width; x++ {
				g := color.GrayModel.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.Gray)
				out.Pix[y*out.Width+x] = float32(g.Y)
			}
		}
	}
	return out
}

// EncodeMask writes a mask as an 8-bit grayscale PNG with positives at 255.
func EncodeMask(w io.Writer, m *Mask) error {
	return png.Encode(w, maskToGray(m))
}

// MaskPNG returns the PNG encoding of a mask.
func MaskPNG(m *Mask) ([]byte, error) {
	var buf bytes.Buffer
	if err := EncodeMask(&buf, m); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeMask reads a mask PNG; pixels brighter than mid-grey are positive.
func DecodeMask(r io.Reader) (*Mask, error) {
	img, err := png.Decode(r)
	if err != nil {
		return nil, fmt.Errorf("decode mask: %w", err)
	}
	gray, ok := img.(*image.Gray)
	if !ok {
		b := img.Bounds()
		gray = image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
		for y := 0; y < b.Dy(); y++ {
			for x := 0; x < b.Dx(); x++ {
				gray.Set(x, y, color.GrayModel.Convert(img.At(b.Min.X+x, b.Min.Y+y)))
			}
		}
	} else if gray.Bounds().Min != (image.Point{}) {
		b := gray.Bounds()
		shifted := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
		for y := 0; y < b.Dy(); y++ {
			copy(shifted.Pix[y*shifted.Stride:], gray.Pix[gray.PixOffset(b.Min.X, b.Min.Y+y):gray.PixOffset(b.Max.X, b.Min.Y+y)])
		}
		gray = shifted
	}
	return grayToMask(gray), nil
}
