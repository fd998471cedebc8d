package tasks

import (
	"errors"
	"os"
	"path/filepath"
	"slices"

	"lapse/internal/fsutil"
)

// AlignmentUpToDate reports whether outputDir already holds an aligned copy of
// every image in inputDir and nothing else. Input names are compared by their
// output names, so a.webp is matched by a.png. Subdirectories such as
// with_timestamps are ignored. A missing output directory is created.
func AlignmentUpToDate(inputDir, outputDir string) (bool, error) {
	if err := fsutil.EnsureDir(outputDir); err != nil {
		return false, err
	}
	in, err := fsutil.ListImageNames(inputDir)
	if err != nil {
		return false, err
	}
	out, err := fsutil.ListImageNames(outputDir)
	if err != nil {
		return false, err
	}
	for i, n := range in {
		in[i] = fsutil.OutputName(n)
	}
	slices.Sort(in)
	return len(in) > 0 && slices.Equal(in, out), nil
}

// ClearOutputImages removes the images directly in dir and in its overlay
// subdirectory so a forced run starts clean.
func ClearOutputImages(dir, overlaySubdir string) error {
	dirs := []string{dir}
	if overlaySubdir != "" {
		dirs = append(dirs, filepath.Join(dir, overlaySubdir))
	}
	var errs []error
	for _, d := range dirs {
		paths, err := fsutil.ListImages(d)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for _, p := range paths {
			if err := os.Remove(p); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
