package fsutil

import (
	"image"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"syscall"
)

// GetSystemMemory returns available memory in MB
func GetSystemMemory() (int64, error) {
	// Try to read /proc/meminfo for more accurate available memory
	content, err := os.ReadFile("/proc/meminfo")
	if err == nil {
		for _, line := range strings.Split(string(content), "\n") {
			if strings.HasPrefix(line, "MemAvailable:") {
				fields := strings.Fields(line)
				if len(fields) >= 2 {
					if kb, err := strconv.ParseInt(fields[1], 10, 64); err == nil {
						return kb / 1024, nil
					}
				}
			}
		}
	}

	var sysinfo syscall.Sysinfo_t
	if err := syscall.Sysinfo(&sysinfo); err != nil {
		return 0, err
	}
	return int64(sysinfo.Freeram) * int64(sysinfo.Unit) / (1024 * 1024), nil
}

// EstimateFrameMemory returns the MB one alignment worker holds for the
// largest of the sampled images: the decoded RGBA plus a float32 scale space.
func EstimateFrameMemory(paths []string) int64 {
	sample := paths
	if len(sample) > 5 {
		sample = sample[:5]
	}
	var maxPixels int64
	for _, p := range sample {
		f, err := os.Open(p)
		if err != nil {
			continue
		}
		cfg, _, err := image.DecodeConfig(f)
		f.Close()
		if err != nil {
			continue
		}
		maxPixels = max(maxPixels, int64(cfg.Width)*int64(cfg.Height))
	}
	// rgba in, warped rgba out, six gaussian and five DoG float32 planes
	return maxPixels * (4 + 4 + 11*4) / (1024 * 1024)
}

// BoundConcurrency lowers requested so that the workers fit into half of the
// available memory. It never returns less than 1.
func BoundConcurrency(requested int, paths []string, logger *slog.Logger) int {
	if requested < 1 {
		requested = 1
	}
	perWorker := EstimateFrameMemory(paths)
	if perWorker <= 0 {
		return requested
	}
	available, err := GetSystemMemory()
	if err != nil {
		if logger != nil {
			logger.Debug("failed to get system memory info", "error", err)
		}
		return requested
	}
	fit := int(available / 2 / perWorker)
	if fit < 1 {
		fit = 1
	}
	if fit < requested {
		if logger != nil {
			logger.Info("limiting alignment workers by memory",
				"requested", requested,
				"workers", fit,
				"available_ram_mb", available,
				"per_worker_mb", perWorker,
			)
		}
		return fit
	}
	return requested
}
