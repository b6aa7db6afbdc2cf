package imageio

import (
	"fmt"
	"image"
	"image/color"

	"golang.org/x/image/draw"
)

// maskThreshold splits painted from unpainted pixels on a 16-bit luminance scale.
const maskThreshold = 0x8000

// NormalizeMask scales mask to size x size and binarizes it. White marks the
// area to regenerate; transparent pixels count as unpainted.
func NormalizeMask(mask image.Image, size int) (*image.Gray, error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w: size %d", ErrInvalidDimensions, size)
	}
	if mask.Bounds().Empty() {
		return nil, fmt.Errorf("%w: empty mask", ErrInvalidDimensions)
	}

	scaled := image.NewRGBA(image.Rect(0, 0, size, size))
	draw.ApproxBiLinear.Scale(scaled, scaled.Bounds(), mask, mask.Bounds(), draw.Src, nil)

	out := image.NewGray(scaled.Bounds())
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			r, g, b, a := scaled.At(x, y).RGBA()
			if a < maskThreshold {
				out.SetGray(x, y, color.Gray{Y: 0})
				continue
			}
			lum := (299*r + 587*g + 114*b) / 1000
			if lum >= maskThreshold {
				out.SetGray(x, y, color.Gray{Y: 255})
			} else {
				out.SetGray(x, y, color.Gray{Y: 0})
			}
		}
	}
	return out, nil
}

// PrepareMask decodes a mask image and returns it as a binarized PNG of
// size x size together with its coverage.
func PrepareMask(data []byte, size int) ([]byte, float64, error) {
	img, _, err := Decode(data)
	if err != nil {
		return nil, 0, err
	}
	m, err := NormalizeMask(img, size)
	if err != nil {
		return nil, 0, err
	}
	out, err := EncodePNG(m)
	if err != nil {
		return nil, 0, err
	}
	return out, MaskCoverage(m), nil
}

// MaskCoverage returns the fraction of pixels marked for regeneration.
func MaskCoverage(m *image.Gray) float64 {
	if len(m.Pix) == 0 {
		return 0
	}
	painted := 0
	b := m.Bounds()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			if m.GrayAt(x, y).Y > 0 {
				painted++
			}
		}
	}
	return float64(painted) / float64(b.Dx()*b.Dy())
}
