package gallery

import (
	"bytes"
	"errors"
	"image"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"localdream/imageio"
)

func samplePNG(t *testing.T) []byte {
	t.Helper()
	data, err := imageio.EncodePNG(image.NewRGBA(image.Rect(0, 0, 8, 8)))
	if err != nil {
		t.Fatal(err)
	}
	return data
}

func TestSave(t *testing.T) {
	root := t.TempDir()
	g := New(root, nil)
	g.now = func() time.Time { return time.UnixMilli(1700000000123) }

	png := samplePNG(t)
	path, err := g.Save(png)
	if err != nil {
		t.Fatalf("Save() = %v", err)
	}

	want := filepath.Join(root, "LocalDream", "generated_image_1700000000123.png")
	if path != want {
		t.Errorf("path = %s, want %s", path, want)
	}
	got, err := os.ReadFile(path)
	if err != nil || !bytes.Equal(got, png) {
		t.Errorf("file contents differ: %v", err)
	}

	// Same millisecond: the next name is used instead of overwriting.
	path2, err := g.Save(png)
	if err != nil {
		t.Fatal(err)
	}
	if filepath.Base(path2) != "generated_image_1700000000124.png" {
		t.Errorf("second path = %s", path2)
	}
}

func TestSave_Errors(t *testing.T) {
	g := New(t.TempDir(), nil)

	_, err := g.Save([]byte("jpeg?"))
	var se *SaveError
	if !errors.As(err, &se) {
		t.Fatalf("err = %v, want SaveError", err)
	}
	if !strings.HasPrefix(err.Error(), "Failed to save: ") {
		t.Errorf("message = %q", err.Error())
	}
	if !errors.Is(err, imageio.ErrNotPNG) {
		t.Errorf("cause not preserved: %v", err)
	}

	// Pictures directory is a file.
	blocker := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(blocker, nil, 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := New(blocker, nil).Save(samplePNG(t)); !errors.As(err, &se) {
		t.Errorf("err = %v, want SaveError", err)
	}
}
