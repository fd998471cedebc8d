package tasks

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// EncodingToolError reports a failed external encoder run. Output holds what
// the tool printed.
type EncodingToolError struct {
	Tool   string
	Args   []string
	Output string
	Err    error
}

func (e *EncodingToolError) Error() string {
	msg := fmt.Sprintf("%s failed: %v", e.Tool, e.Err)
	if out := strings.TrimSpace(e.Output); out != "" {
		lines := strings.Split(out, "\n")
		msg += ": " + lines[len(lines)-1]
	}
	return msg
}

func (e *EncodingToolError) Unwrap() error { return e.Err }

// OutputFile describes an encoded artifact.
type OutputFile struct {
	Path   string
	Format string
	Codec  string
	Frames int
	Size   int64 // file size in bytes
}

// VideoRequest configures an ffmpeg run over a directory of frames.
type VideoRequest struct {
	FramesDir string
	Output    string
	FPS       float64
	Codec     string
	PixFmt    string
	Repeat    int
	Resize    int
	Tool      string // ffmpeg binary, looked up on PATH
	WorkDir   string
}

// backupExistingFile moves an existing file aside with a timestamp suffix.
func backupExistingFile(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}

	timestamp := time.Now().Format("20060102-150405")
	return os.Rename(path, path+".backup."+timestamp)
}

// EncodeVideo concatenates the frames of req.FramesDir into a video where
// every frame is a keyframe.
func EncodeVideo(ctx context.Context, req VideoRequest) (OutputFile, error) {
	logger := slog.Default()

	if req.FPS <= 0 {
		req.FPS = 7
	}
	if req.Codec == "" {
		req.Codec = "libx264"
	}
	if req.PixFmt == "" {
		req.PixFmt = "yuv420p"
	}
	if req.Tool == "" {
		req.Tool = "ffmpeg"
	}

	seq, err := SequenceFrames(ctx, SequenceRequest{
		InputDir: req.FramesDir,
		Repeat:   req.Repeat,
		Resize:   req.Resize,
		WorkDir:  req.WorkDir,
	})
	if err != nil {
		return OutputFile{}, err
	}
	defer seq.Cleanup()

	listDir, err := os.MkdirTemp(req.WorkDir, "lapse-concat-")
	if err != nil {
		return OutputFile{}, err
	}
	defer os.RemoveAll(listDir)
	listPath := filepath.Join(listDir, "file_list.txt")
	if err := writeConcatList(listPath, seq.Frames, req.FPS); err != nil {
		return OutputFile{}, err
	}

	if err := os.MkdirAll(filepath.Dir(req.Output), 0o755); err != nil {
		return OutputFile{}, err
	}
	if err := backupExistingFile(req.Output); err != nil {
		return OutputFile{}, fmt.Errorf("backup %s: %w", req.Output, err)
	}

	fps := strconv.FormatFloat(req.FPS, 'f', -1, 64)
	args := []string{
		"-y",
		"-f", "concat",
		"-safe", "0",
		"-i", listPath,
		"-c:v", req.Codec,
		"-pix_fmt", req.PixFmt,
		"-r", fps,
	}
	if req.Codec == "libx264" {
		args = append(args, "-x264-params", "keyint=1")
	}
	args = append(args, req.Output)

	logger.Info("executing ffmpeg command",
		"tool", req.Tool,
		"args", args,
		"frames", len(seq.Frames),
		"output_file", req.Output,
	)

	cmd := exec.CommandContext(ctx, req.Tool, args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		logger.Error("ffmpeg failed",
			"error", err,
			"ffmpeg_output", string(output),
		)
		return OutputFile{}, &EncodingToolError{Tool: req.Tool, Args: args, Output: string(output), Err: err}
	}

	stat, err := os.Stat(req.Output)
	if err != nil {
		logger.Error("failed to stat output file", "file", req.Output, "error", err)
		return OutputFile{}, err
	}

	return OutputFile{
		Path:   req.Output,
		Format: strings.TrimPrefix(filepath.Ext(req.Output), "."),
		Codec:  req.Codec,
		Frames: len(seq.Frames),
		Size:   stat.Size(),
	}, nil
}

// writeConcatList writes an ffmpeg concat demuxer script. The last file is
// listed twice because the demuxer ignores the final duration otherwise.
func writeConcatList(path string, frames []string, fps float64) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	dur := strconv.FormatFloat(1/fps, 'f', 6, 64)
	for _, fr := range frames {
		abs, err := filepath.Abs(fr)
		if err != nil {
			f.Close()
			return err
		}
		fmt.Fprintf(w, "file '%s'\nduration %s\n", escapeConcatPath(abs), dur)
	}
	if len(frames) > 0 {
		abs, _ := filepath.Abs(frames[len(frames)-1])
		fmt.Fprintf(w, "file '%s'\n", escapeConcatPath(abs))
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func escapeConcatPath(p string) string {
	return strings.ReplaceAll(p, "'", `'\''`)
}
