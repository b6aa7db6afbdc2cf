package imageio

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"image/png"
	"strings"
)

var pngMagic = []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}

var (
	ErrNotPNG      = errors.New("imageio: data is not a valid PNG")
	ErrPixelLength = errors.New("imageio: pixel buffer does not match dimensions")
)

// IsPNG reports whether data starts with the PNG signature.
func IsPNG(data []byte) bool {
	return len(data) >= len(pngMagic) && bytes.Equal(data[:len(pngMagic)], pngMagic)
}

// ValidatePNG checks the signature and that the whole image decodes.
func ValidatePNG(data []byte) error {
	if len(data) == 0 {
		return ErrEmptyImage
	}
	if !IsPNG(data) {
		return ErrNotPNG
	}
	w, h, err := PNGSize(data)
	if err != nil {
		return err
	}
	if err := checkDimensions(w, h); err != nil {
		return err
	}
	if _, err := png.Decode(bytes.NewReader(data)); err != nil {
		return fmt.Errorf("%w: %v", ErrNotPNG, err)
	}
	return nil
}

// PNGSize returns the dimensions stored in a PNG header without decoding pixels.
func PNGSize(data []byte) (int, int, error) {
	cfg, err := png.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %v", ErrNotPNG, err)
	}
	return cfg.Width, cfg.Height, nil
}

// EncodePNG encodes img losslessly.
func EncodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	enc := png.Encoder{CompressionLevel: png.BestSpeed}
	if err := enc.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("imageio: png encode: %w", err)
	}
	return buf.Bytes(), nil
}

// RawToPNG converts a packed pixel buffer of 1 (gray), 3 (RGB) or 4 (RGBA)
// channels into a PNG.
func RawToPNG(pixels []byte, width, height, channels int) ([]byte, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("%w: width=%d height=%d", ErrInvalidDimensions, width, height)
	}
	want := width * height * channels
	if len(pixels) != want {
		return nil, fmt.Errorf("%w: expected %d bytes for %dx%dx%d, got %d",
			ErrPixelLength, want, width, height, channels, len(pixels))
	}

	switch channels {
	case 1:
		img := image.NewGray(image.Rect(0, 0, width, height))
		copy(img.Pix, pixels)
		return EncodePNG(img)
	case 3:
		img := image.NewNRGBA(image.Rect(0, 0, width, height))
		for i, j := 0, 0; i < len(pixels); i, j = i+3, j+4 {
			img.Pix[j] = pixels[i]
			img.Pix[j+1] = pixels[i+1]
			img.Pix[j+2] = pixels[i+2]
			img.Pix[j+3] = 0xFF
		}
		return EncodePNG(img)
	case 4:
		img := image.NewNRGBA(image.Rect(0, 0, width, height))
		copy(img.Pix, pixels)
		return EncodePNG(img)
	default:
		return nil, fmt.Errorf("%w: %d channels", ErrInvalidDimensions, channels)
	}
}

// EncodeBase64 returns standard base64 without line breaks.
func EncodeBase64(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

// DecodeBase64 accepts standard or raw (unpadded) base64 and ignores
// surrounding whitespace.
func DecodeBase64(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if data, err := base64.StdEncoding.DecodeString(s); err == nil {
		return data, nil
	}
	data, err := base64.RawStdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("imageio: base64 decode: %w", err)
	}
	return data, nil
}
