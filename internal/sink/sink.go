// Package sink writes aligned frames to their destinations.
package sink

import (
	"context"
	"errors"
	"fmt"
	"image"
	"path"
	"path/filepath"
	"strings"

	"lapse/internal/config"
)

// Sink stores encoded images under a file name. Implementations are safe for
// concurrent Put calls with distinct names.
type Sink interface {
	// Put encodes img by the extension of name and returns where it went.
	Put(ctx context.Context, name string, img image.Image) (string, error)
	// Sub returns a child sink rooted at the named subdirectory.
	Sub(name string) Sink
	// Location describes the destination for logs and reports.
	Location() string
}

// Multi fans every Put out to several sinks. The location of the first sink is
// returned as the output path.
type Multi []Sink

func (m Multi) Put(ctx context.Context, name string, img image.Image) (string, error) {
	var (
		first string
		errs  []error
	)
	for i, s := range m {
		loc, err := s.Put(ctx, name, img)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if i == 0 {
			first = loc
		}
	}
	return first, errors.Join(errs...)
}

func (m Multi) Sub(name string) Sink {
	out := make(Multi, len(m))
	for i, s := range m {
		out[i] = s.Sub(name)
	}
	return out
}

func (m Multi) Location() string {
	locs := make([]string, len(m))
	for i, s := range m {
		locs[i] = s.Location()
	}
	return strings.Join(locs, ",")
}

// New returns a directory sink for dir, mirrored to S3 when enabled.
func New(ctx context.Context, dir string, cfg config.Sink, quality int) (Sink, error) {
	local, err := NewDir(dir, quality)
	if err != nil {
		return nil, err
	}
	if !cfg.S3.Enabled {
		return local, nil
	}
	client, err := NewS3Client(cfg.S3)
	if err != nil {
		return nil, fmt.Errorf("s3 client: %w", err)
	}
	remote := NewS3(client, cfg.S3.Bucket, path.Join(cfg.S3.Prefix, filepath.Base(dir)), quality)
	if err := remote.EnsureBucket(ctx, cfg.S3.Region); err != nil {
		return nil, err
	}
	return Multi{local, remote}, nil
}
