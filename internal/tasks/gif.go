package tasks

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"

	"gopkg.in/gographics/imagick.v3/imagick"
)

// GIFRequest configures an animated GIF built from a directory of frames.
type GIFRequest struct {
	FramesDir           string
	Output              string
	FPS                 float64
	Resize              int     // fit within Resize x Resize
	LastDelayMultiplier float64 // hold the final frame longer
}

// EncodeGIF assembles the frames of req.FramesDir into a looping GIF.
func EncodeGIF(ctx context.Context, req GIFRequest) (OutputFile, error) {
	logger := slog.Default()

	if req.FPS <= 0 {
		req.FPS = 3
	}
	if req.LastDelayMultiplier <= 0 {
		req.LastDelayMultiplier = 1
	}

	seq, err := SequenceFrames(ctx, SequenceRequest{InputDir: req.FramesDir})
	if err != nil {
		return OutputFile{}, err
	}

	release := acquireMagick()
	defer release()

	mw := imagick.NewMagickWand()
	defer mw.Destroy()

	delay := uint(math.Round(100 / req.FPS))
	for _, f := range seq.Frames {
		if err := ctx.Err(); err != nil {
			return OutputFile{}, err
		}
		if err := mw.ReadImage(f); err != nil {
			return OutputFile{}, gifError("read "+filepath.Base(f), err)
		}
		mw.SetLastIterator()
		w, h := FitWithin(int(mw.GetImageWidth()), int(mw.GetImageHeight()), req.Resize)
		if w != int(mw.GetImageWidth()) || h != int(mw.GetImageHeight()) {
			if err := mw.ResizeImage(uint(w), uint(h), imagick.FILTER_LANCZOS); err != nil {
				return OutputFile{}, gifError("resize", err)
			}
		}
		if err := mw.SetImageDelay(delay); err != nil {
			return OutputFile{}, gifError("delay", err)
		}
	}
	mw.SetLastIterator()
	last := uint(math.Round(float64(delay) * req.LastDelayMultiplier))
	if err := mw.SetImageDelay(last); err != nil {
		return OutputFile{}, gifError("delay", err)
	}
	mw.ResetIterator()
	if err := mw.SetImageIterations(0); err != nil {
		return OutputFile{}, gifError("loop", err)
	}
	if err := mw.SetImageFormat("GIF"); err != nil {
		return OutputFile{}, gifError("format", err)
	}

	if err := os.MkdirAll(filepath.Dir(req.Output), 0o755); err != nil {
		return OutputFile{}, err
	}
	if err := backupExistingFile(req.Output); err != nil {
		return OutputFile{}, fmt.Errorf("backup %s: %w", req.Output, err)
	}
	if err := mw.WriteImages(req.Output, true); err != nil {
		return OutputFile{}, gifError("write", err)
	}

	stat, err := os.Stat(req.Output)
	if err != nil {
		return OutputFile{}, err
	}
	logger.Info("wrote gif", "output_file", req.Output, "frames", len(seq.Frames), "delay_cs", delay)

	return OutputFile{
		Path:   req.Output,
		Format: "gif",
		Codec:  "gif",
		Frames: len(seq.Frames),
		Size:   stat.Size(),
	}, nil
}

func gifError(step string, err error) error {
	return &EncodingToolError{Tool: "imagemagick", Args: []string{step}, Err: err}
}
