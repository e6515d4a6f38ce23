// Package overlay renders slices for display and blends masks on top of them.
package overlay

import (
	"fmt"
	"image"
	"image/color"
	"math"

	"pdxseg/internal/imaging"
	"pdxseg/internal/services"
)

// DefaultAlpha is the mask opacity used when none is requested.
const DefaultAlpha = 0.4

// DefaultColor paints tumor pixels.
var DefaultColor = color.RGBA{R: 0, G: 255, B: 0, A: 255}

// Render maps a slice to 8-bit grayscale by min-max scaling. A constant
// slice renders black.
func Render(g *imaging.Grid) *image.Gray {
	img := image.NewGray(image.Rect(0, 0, g.Width, g.Height))
	lo, hi := g.Bounds()
	span := hi - lo
	if span <= 0 {
		return img
	}
	for i, v := range g.Pix {
		img.Pix[i] = uint8(math.Round(float64((v - lo) / span * 255)))
	}
	return img
}

// ValidateAlpha rejects opacities outside 0..1.
func ValidateAlpha(alpha float64) error {
	if math.IsNaN(alpha) || alpha < 0 || alpha > 1 {
		return services.Wrap(services.ErrInvalidInput, "overlay", "alpha",
			fmt.Sprintf("alpha %v must be within 0..1", alpha), nil)
	}
	return nil
}

// Compose blends paint over base wherever mask is set. Base and mask must
// share geometry.
func Compose(base image.Image, mask *imaging.Mask, paint color.RGBA, alpha float64) (*image.RGBA, error) {
	if err := ValidateAlpha(alpha); err != nil {
		return nil, err
	}
	bounds := base.Bounds()
	if mask == nil || mask.Width != bounds.Dx() || mask.Height != bounds.Dy() {
		return nil, services.Wrap(services.ErrInvalidInput, "overlay", "compose",
			fmt.Sprintf("mask geometry does not match image %dx%d", bounds.Dx(), bounds.Dy()), nil)
	}

	out := image.NewRGBA(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
	for y := 0; y < bounds.Dy(); y++ {
		for x := 0; x < bounds.Dx(); x++ {
			c := color.RGBAModel.Convert(base.At(bounds.Min.X+x, bounds.Min.Y+y)).(color.RGBA)
			if mask.At(x, y) != 0 {
				c = color.RGBA{
					R: blend(c.R, paint.R, alpha),
					G: blend(c.G, paint.G, alpha),
					B: blend(c.B, paint.B, alpha),
					A: 255,
				}
			}
			out.SetRGBA(x, y, c)
		}
	}
	return out, nil
}

func blend(under, over uint8, alpha float64) uint8 {
	return uint8(math.Round(float64(under)*(1-alpha) + float64(over)*alpha))
}
