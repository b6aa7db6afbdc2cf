// Package gallery writes generated images to the user's pictures directory.
package gallery

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"localdream/imageio"
	"localdream/logging"
)

// SubDir is the folder created under the pictures directory.
const SubDir = "LocalDream"

// SaveError is a failed save. Its message is shown to the user.
type SaveError struct {
	Err error
}

func (e *SaveError) Error() string { return "Failed to save: " + e.Err.Error() }
func (e *SaveError) Unwrap() error { return e.Err }

// Gallery saves PNGs as generated_image_<unix-ms>.png.
type Gallery struct {
	dir    string
	now    func() time.Time
	logger *logging.Logger
}

// New returns a gallery rooted at <picturesDir>/LocalDream.
func New(picturesDir string, logger *logging.Logger) *Gallery {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Gallery{
		dir:    filepath.Join(picturesDir, SubDir),
		now:    time.Now,
		logger: logger.Named("gallery"),
	}
}

// Dir returns the directory images are written to.
func (g *Gallery) Dir() string {
	return g.dir
}

// Save validates png and writes it to a new file, returning its path.
func (g *Gallery) Save(png []byte) (string, error) {
	if err := imageio.ValidatePNG(png); err != nil {
		return "", &SaveError{Err: err}
	}
	if err := os.MkdirAll(g.dir, 0755); err != nil {
		return "", &SaveError{Err: err}
	}

	ms := g.now().UnixMilli()
	for attempt := 0; attempt < 100; attempt++ {
		path := filepath.Join(g.dir, fmt.Sprintf("generated_image_%d.png", ms+int64(attempt)))
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
		if errors.Is(err, fs.ErrExist) {
			continue
		}
		if err != nil {
			return "", &SaveError{Err: err}
		}

		if _, err := f.Write(png); err != nil {
			f.Close()
			os.Remove(path)
			return "", &SaveError{Err: err}
		}
		if err := f.Close(); err != nil {
			os.Remove(path)
			return "", &SaveError{Err: err}
		}

		g.logger.Info("image saved", zap.String("path", path), zap.Int("bytes", len(png)))
		return path, nil
	}
	return "", &SaveError{Err: errors.New("no free file name")}
}
