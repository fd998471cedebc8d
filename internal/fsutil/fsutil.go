package fsutil

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
)

var imageExts = map[string]struct{}{
	".jpg":  {},
	".jpeg": {},
	".png":  {},
	".tif":  {},
	".tiff": {},
	".bmp":  {},
	".webp": {},
	".ppm":  {},
	".pgm":  {},
	".pnm":  {},
	".pam":  {},
}

// frameExts are the formats the encoders accept as frames.
var frameExts = map[string]struct{}{
	".jpg":  {},
	".jpeg": {},
	".png":  {},
}

// ListImages returns the image files directly inside dir, sorted by name.
// Subdirectories are not descended into.
func ListImages(dir string) ([]string, error) {
	names, err := ListImageNames(dir)
	if err != nil {
		return nil, err
	}
	paths := make([]string, len(names))
	for i, n := range names {
		paths[i] = filepath.Join(dir, n)
	}
	return paths, nil
}

// ListImageNames is ListImages returning bare file names.
func ListImageNames(dir string) ([]string, error) {
	return listNames(dir, IsImageFile)
}

// ListFrames returns the jpg/png files directly inside dir, sorted by name.
func ListFrames(dir string) ([]string, error) {
	names, err := listNames(dir, IsFrameFile)
	if err != nil {
		return nil, err
	}
	for i, n := range names {
		names[i] = filepath.Join(dir, n)
	}
	return names, nil
}

func listNames(dir string, keep func(string) bool) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !keep(e.Name()) {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

// FirstExisting returns the first path that exists.
func FirstExisting(paths ...string) string {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// IsImageFile checks if a file is any supported image format.
func IsImageFile(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	_, isImage := imageExts[ext]
	return isImage
}

// IsFrameFile checks if a file can be fed to the video and GIF encoders.
func IsFrameFile(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	_, ok := frameExts[ext]
	return ok
}

// EnsureDir creates dir and its parents.
func EnsureDir(dir string) error {
	return os.MkdirAll(dir, 0o755)
}
