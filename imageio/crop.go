package imageio

import (
	"fmt"
	"image"

	"golang.org/x/image/draw"
)

// CenterSquare returns the largest centered square inside r.
func CenterSquare(r image.Rectangle) image.Rectangle {
	w, h := r.Dx(), r.Dy()
	side := min(w, h)
	x0 := r.Min.X + (w-side)/2
	y0 := r.Min.Y + (h-side)/2
	return image.Rect(x0, y0, x0+side, y0+side)
}

// CropToSquare center-crops img and scales the square to size x size with
// Catmull-Rom filtering.
func CropToSquare(img image.Image, size int) (*image.RGBA, error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w: size %d", ErrInvalidDimensions, size)
	}
	src := CenterSquare(img.Bounds())
	if src.Empty() {
		return nil, fmt.Errorf("%w: empty source", ErrInvalidDimensions)
	}

	dst := image.NewRGBA(image.Rect(0, 0, size, size))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, src, draw.Src, nil)
	return dst, nil
}

// PrepareSource decodes a user image, crops it to size and returns the PNG
// bytes that are sent to the backend.
func PrepareSource(data []byte, size int) ([]byte, error) {
	img, _, err := Decode(data)
	if err != nil {
		return nil, err
	}
	square, err := CropToSquare(img, size)
	if err != nil {
		return nil, err
	}
	return EncodePNG(square)
}
