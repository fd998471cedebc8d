package tasks

import (
	"context"
	"fmt"
	"image"
	"os"
	"path/filepath"

	"golang.org/x/image/draw"

	"lapse/internal/fsutil"
)

// SequenceRequest describes how frames are fed to an encoder.
type SequenceRequest struct {
	InputDir string
	Repeat   int    // copies of each frame, 1 when unset
	Resize   int    // fit within Resize x Resize, 0 keeps the original size
	WorkDir  string // parent for the staging directory, os.TempDir when empty
}

// SequenceResult lists frame paths in playback order.
type SequenceResult struct {
	Frames  []string
	Unique  int
	workdir string
}

// Cleanup removes staged frames, if any were written.
func (r SequenceResult) Cleanup() error {
	if r.workdir == "" {
		return nil
	}
	return os.RemoveAll(r.workdir)
}

// SequenceFrames lists the jpg/png frames of req.InputDir by name, resizes them
// into a staging directory when asked, and repeats each frame Repeat times.
func SequenceFrames(ctx context.Context, req SequenceRequest) (SequenceResult, error) {
	frames, err := fsutil.ListFrames(req.InputDir)
	if err != nil {
		return SequenceResult{}, err
	}
	if len(frames) == 0 {
		return SequenceResult{}, fmt.Errorf("no frames found in %s", req.InputDir)
	}

	res := SequenceResult{Unique: len(frames)}
	if req.Resize > 0 {
		res.workdir, err = os.MkdirTemp(req.WorkDir, "lapse-frames-")
		if err != nil {
			return SequenceResult{}, err
		}
		for i, f := range frames {
			if err := ctx.Err(); err != nil {
				res.Cleanup()
				return SequenceResult{}, err
			}
			staged, err := stageResized(f, res.workdir, req.Resize)
			if err != nil {
				res.Cleanup()
				return SequenceResult{}, err
			}
			frames[i] = staged
		}
	}

	repeat := max(1, req.Repeat)
	res.Frames = make([]string, 0, len(frames)*repeat)
	for _, f := range frames {
		for range repeat {
			res.Frames = append(res.Frames, f)
		}
	}
	return res, nil
}

func stageResized(path, dir string, size int) (string, error) {
	img, err := fsutil.LoadImage(path)
	if err != nil {
		return "", err
	}
	b := img.Bounds()
	w, h := FitWithin(b.Dx(), b.Dy(), size)
	out := img
	if w != b.Dx() || h != b.Dy() {
		out = image.NewRGBA(image.Rect(0, 0, w, h))
		draw.CatmullRom.Scale(out, out.Bounds(), img, b, draw.Src, nil)
	}
	dst := filepath.Join(dir, filepath.Base(path))
	if err := fsutil.SaveImage(dst, out, fsutil.DefaultJPEGQuality); err != nil {
		return "", err
	}
	return dst, nil
}

// FitWithin scales w x h down so neither side exceeds size, keeping the aspect
// ratio. Images already small enough keep their size.
func FitWithin(w, h, size int) (int, int) {
	if size <= 0 || (w <= size && h <= size) {
		return w, h
	}
	if w >= h {
		return size, max(1, h*size/w)
	}
	return max(1, w*size/h), size
}
