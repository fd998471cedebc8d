package storage

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/RoaringBitmap/roaring/v2"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "lapse.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestJobLifecycle(t *testing.T) {
	s := newTestStore(t)
	if err := s.RecordJobQueued(JobRecord{ID: "align-1", JobType: "align", Status: "queued", InputPath: "in", OutputPath: "out", OptionsJSON: "{}"}); err != nil {
		t.Fatalf("queue: %v", err)
	}
	if err := s.RecordJobStart("align-1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := s.RecordJobResult("align-1", "completed", map[string]any{"aligned": 3}, ""); err != nil {
		t.Fatalf("result: %v", err)
	}

	job, err := s.Job("align-1")
	if err != nil {
		t.Fatalf("job: %v", err)
	}
	if job.Status != "completed" || job.StartedAt == nil || job.CompletedAt == nil {
		t.Fatalf("unexpected job %+v", job)
	}

	meta, err := s.JobMeta("align-1")
	if err != nil {
		t.Fatalf("meta: %v", err)
	}
	if meta["aligned"] != float64(3) {
		t.Fatalf("unexpected meta %v", meta)
	}

	jobs, err := s.RecentJobs(10)
	if err != nil || len(jobs) != 1 {
		t.Fatalf("recent jobs: %v %v", jobs, err)
	}
}

func TestFrameRoundTrip(t *testing.T) {
	s := newTestStore(t)
	h := [9]float64{1, 0, 10, 0, 1, 0, 0, 0, 1}
	inliers := roaring.BitmapOf(0, 2, 5)

	recs := []FrameRecord{
		{JobID: "align-1", Name: "b.jpg", Reference: "a.jpg", Status: "aligned", Processor: "native", RefKeypoints: 120, Keypoints: 110, Correspondences: 40, Inliers: 3, Homography: &h, InlierSet: inliers, OutputPath: "out/b.jpg", Elapsed: 1500 * time.Millisecond},
		{JobID: "align-1", Name: "a.jpg", Reference: "a.jpg", Status: "reference", OutputPath: "out/a.jpg"},
		{JobID: "align-1", Name: "c.jpg", Reference: "a.jpg", Status: "failed", Error: "insufficient correspondences: have 0, need 4"},
	}
	for _, rec := range recs {
		if err := s.RecordFrame(rec); err != nil {
			t.Fatalf("record %s: %v", rec.Name, err)
		}
	}

	got, err := s.JobFrames("align-1")
	if err != nil {
		t.Fatalf("frames: %v", err)
	}
	if len(got) != 3 || got[0].Name != "a.jpg" || got[1].Name != "b.jpg" {
		t.Fatalf("unexpected frames %+v", got)
	}
	b := got[1]
	if b.Homography == nil || *b.Homography != h {
		t.Fatalf("homography not restored: %v", b.Homography)
	}
	if b.InlierSet == nil || !b.InlierSet.Equals(inliers) {
		t.Fatalf("inliers not restored: %v", b.InlierSet)
	}
	if b.Elapsed != 1500*time.Millisecond {
		t.Fatalf("unexpected elapsed %v", b.Elapsed)
	}
	if got[0].Homography != nil || got[2].Error == "" {
		t.Fatalf("unexpected reference/failed rows %+v %+v", got[0], got[2])
	}
}

func TestNilStoreIsSafe(t *testing.T) {
	var s *Store
	if err := s.RecordFrame(FrameRecord{}); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if err := s.RecordJobStart("x"); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if _, err := s.JobFrames("x"); err == nil {
		t.Fatalf("expected error from nil store reads")
	}
}
