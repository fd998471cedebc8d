package sink

import (
	"context"
	"errors"
	"image"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"lapse/internal/config"
)

type memSink struct {
	mu   sync.Mutex
	root string
	puts []string
	err  error
}

func (m *memSink) Put(_ context.Context, name string, _ image.Image) (string, error) {
	if m.err != nil {
		return "", m.err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.puts = append(m.puts, name)
	return filepath.Join(m.root, name), nil
}

func (m *memSink) Sub(name string) Sink { return &memSink{root: filepath.Join(m.root, name)} }

func (m *memSink) Location() string { return m.root }

func TestDirPutRenamesWebp(t *testing.T) {
	root := t.TempDir()
	d, err := NewDir(root, 0)
	if err != nil {
		t.Fatalf("new dir: %v", err)
	}
	loc, err := d.Put(context.Background(), "frame.webp", image.NewRGBA(image.Rect(0, 0, 4, 4)))
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if loc != filepath.Join(root, "frame.png") {
		t.Fatalf("unexpected location %s", loc)
	}
	if _, err := os.Stat(filepath.Join(root, "frame.webp")); !os.IsNotExist(err) {
		t.Fatalf("expected no webp output, got %v", err)
	}
}

func TestDirPutAndSub(t *testing.T) {
	root := filepath.Join(t.TempDir(), "out")
	d, err := NewDir(root, 90)
	if err != nil {
		t.Fatalf("new dir: %v", err)
	}
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))

	loc, err := d.Put(context.Background(), "a.png", img)
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if loc != filepath.Join(root, "a.png") {
		t.Fatalf("unexpected location %s", loc)
	}

	sub := d.Sub("with_timestamps")
	if _, err := sub.Put(context.Background(), "a.png", img); err != nil {
		t.Fatalf("sub put: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "with_timestamps", "a.png")); err != nil {
		t.Fatalf("expected sub output: %v", err)
	}
}

func TestMultiReturnsFirstLocationAndJoinsErrors(t *testing.T) {
	a := &memSink{root: "/a"}
	boom := errors.New("boom")
	b := &memSink{root: "/b", err: boom}

	loc, err := Multi{a, b}.Put(context.Background(), "x.jpg", nil)
	if loc != "/a/x.jpg" {
		t.Fatalf("unexpected location %s", loc)
	}
	if !errors.Is(err, boom) {
		t.Fatalf("expected joined error, got %v", err)
	}
	if got := (Multi{a, b}).Sub("ts").Location(); got != "/a/ts,/b/ts" {
		t.Fatalf("unexpected sub location %s", got)
	}
}

func TestNewWithoutS3IsDir(t *testing.T) {
	s, err := New(context.Background(), t.TempDir(), config.Sink{}, 0)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if _, ok := s.(*Dir); !ok {
		t.Fatalf("expected *Dir, got %T", s)
	}
}
