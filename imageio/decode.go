// Package imageio prepares user images for generation: sniffing, decoding,
// cropping to the square the model expects, masks, and PNG/base64 encoding.
package imageio

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/gabriel-vasile/mimetype"
)

var (
	ErrEmptyImage        = errors.New("imageio: empty image data")
	ErrUnsupportedFormat = errors.New("imageio: unsupported image format")
	ErrInvalidImage      = errors.New("imageio: invalid image data")
	ErrInvalidDimensions = errors.New("imageio: invalid dimensions")
)

// MaxDimension bounds either edge of a decoded image.
const MaxDimension = 8192

// SupportedTypes are the MIME types Decode accepts.
var SupportedTypes = []string{"image/png", "image/jpeg", "image/gif"}

// DetectType returns the sniffed MIME type of data.
func DetectType(data []byte) string {
	return mimetype.Detect(data).String()
}

// Decode sniffs data and decodes it when it is a supported image.
func Decode(data []byte) (image.Image, string, error) {
	if len(data) == 0 {
		return nil, "", ErrEmptyImage
	}

	mtype := DetectType(data)
	if !mimetype.EqualsAny(mtype, SupportedTypes...) {
		return nil, mtype, fmt.Errorf("%w: %s", ErrUnsupportedFormat, mtype)
	}

	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, mtype, fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}
	if err := checkDimensions(cfg.Width, cfg.Height); err != nil {
		return nil, mtype, err
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, mtype, fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}
	return img, mtype, nil
}

// checkDimensions runs on header values, before any pixel buffer is allocated.
func checkDimensions(w, h int) error {
	if w <= 0 || h <= 0 || w > MaxDimension || h > MaxDimension {
		return fmt.Errorf("%w: %dx%d (max %d per edge)", ErrInvalidDimensions, w, h, MaxDimension)
	}
	return nil
}
