package sink

import (
	"context"
	"image"
	"path/filepath"

	"lapse/internal/fsutil"
)

// Dir writes images into a local directory.
type Dir struct {
	Root    string
	Quality int // jpeg quality, 0 for the default
}

// NewDir creates root if needed.
func NewDir(root string, quality int) (*Dir, error) {
	if err := fsutil.EnsureDir(root); err != nil {
		return nil, err
	}
	return &Dir{Root: root, Quality: quality}, nil
}

func (d *Dir) Put(ctx context.Context, name string, img image.Image) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	path := filepath.Join(d.Root, fsutil.OutputName(filepath.Base(name)))
	if err := fsutil.SaveImage(path, img, d.Quality); err != nil {
		return "", err
	}
	return path, nil
}

func (d *Dir) Sub(name string) Sink {
	return &Dir{Root: filepath.Join(d.Root, name), Quality: d.Quality}
}

func (d *Dir) Location() string {
	return d.Root
}
