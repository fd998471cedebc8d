package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math"
	"os"
	"path/filepath"
	"time"

	"lapse/internal/config"
	"lapse/internal/fsutil"
	"lapse/internal/imagetest"
	"lapse/internal/logging"
	"lapse/internal/pipeline"
	"lapse/internal/storage"
	"lapse/internal/tasks"
)

// shifts are the camera offsets of the synthetic frames after the reference.
var shifts = [][2]int{{10, 0}, {-6, 4}, {3, -9}, {14, 7}}

func main() {
	keep := flag.Bool("keep", false, "keep the working directory")
	flag.Parse()

	fmt.Println("🔍 Testing alignment pipeline end to end")

	work, err := os.MkdirTemp("", "lapse-integration-")
	if err != nil {
		log.Fatal("Failed to create work dir:", err)
	}
	if !*keep {
		defer os.RemoveAll(work)
	}
	input := filepath.Join(work, "pictures")
	output := filepath.Join(work, "aligned_pictures")

	// Render the sequence
	scene := imagetest.NewScene(640, 480, 42)
	base := time.Date(2025, 6, 11, 23, 23, 36, 0, time.UTC)
	offsets := append([][2]int{{0, 0}}, shifts...)
	for i, o := range offsets {
		name := base.Add(time.Duration(i)*26*time.Hour).Format("20060102_150405") + ".png"
		img := scene.Render(640, 480, o[0], o[1])
		if err := fsutil.SaveImage(filepath.Join(input, name), img, 0); err != nil {
			log.Fatal("Failed to write frame:", err)
		}
	}
	fmt.Printf("✅ Rendered %d frames into %s\n", len(offsets), input)

	// Setup storage
	store, err := storage.New(filepath.Join(work, "integration.db"))
	if err != nil {
		log.Fatal("Failed to create storage:", err)
	}
	defer store.Close()

	cfg := config.Default()
	cfg.Alignment.PreCrop.Disabled = true
	cfg.Alignment.PostCrop.Border = 24
	cfg.Alignment.Order = "timestamp"
	cfg.Processing.TempDir = filepath.Join(work, "tmp")
	logger := logging.New("warn", "text")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	pipe := pipeline.New(ctx, 1, logger, store, cfg)
	defer pipe.Stop()
	defer tasks.TerminateMagick()

	events, unsubscribe := pipe.Subscribe()
	defer unsubscribe()

	job := pipeline.Job{ID: pipeline.NewJobID("it"), Type: pipeline.JobAlign, InputPath: input, Output: output}
	if err := pipe.Submit(job); err != nil {
		log.Fatal("Failed to submit job:", err)
	}
	results, err := pipeline.WaitResults(ctx, events, []string{job.ID}, func(p pipeline.Progress) {
		fmt.Printf("   [%d/%d] %s\n", p.Done, p.Total, p.Name)
	})
	if err != nil {
		log.Fatal("Pipeline did not finish:", err)
	}
	if res := results[job.ID]; res.Error != nil {
		log.Fatal("Alignment failed:", res.Error)
	}

	frames, err := store.JobFrames(job.ID)
	if err != nil {
		log.Fatal("Failed to read frames:", err)
	}

	fmt.Printf("📊 Recovered translations:\n")
	failed := 0
	for i, f := range frames {
		if f.Status == "reference" {
			fmt.Printf("   %s reference, %d keypoints\n", f.Name, f.Keypoints)
			continue
		}
		want := offsets[i]
		if f.Homography == nil {
			fmt.Printf("   ❌ %s: %s\n", f.Name, f.Error)
			failed++
			continue
		}
		tx, ty := f.Homography[2], f.Homography[5]
		ok := math.Abs(tx-float64(want[0])) <= 1 && math.Abs(ty-float64(want[1])) <= 1
		mark := "✅"
		if !ok {
			mark = "❌"
			failed++
		}
		fmt.Printf("   %s %s: (%.2f, %.2f) want (%d, %d), %d/%d inliers\n",
			mark, f.Name, tx, ty, want[0], want[1], f.Inliers, f.Correspondences)
	}

	if failed > 0 {
		fmt.Printf("\n❌ %d of %d frames off by more than a pixel\n", failed, len(frames)-1)
		os.Exit(1)
	}
	fmt.Printf("\n✅ Test completed. %d frames aligned.\n", len(frames)-1)
}
