package tasks

import (
	"context"
	"os/exec"
	"sort"
	"strings"
	"time"

	"lapse/internal/config"
)

// ToolManager reports on the external programs and engines lapse can use.
type ToolManager struct {
	cfg *config.Config
}

// NewToolManager creates a new tool manager with configuration
func NewToolManager(cfg *config.Config) *ToolManager {
	return &ToolManager{cfg: cfg}
}

// ToolStatus represents the availability of a tool
type ToolStatus struct {
	Available bool
	Version   string
	Path      string
	Error     error
}

// CheckTool verifies if a tool is available and working
func (tm *ToolManager) CheckTool(toolName string) ToolStatus {
	binaryName := toolName
	var versionArgs []string
	switch toolName {
	case "imagemagick":
		binaryName = "magick"
		if !commandExists(binaryName) {
			binaryName = "convert"
		}
		versionArgs = []string{"-version"}
	case "ffmpeg":
		versionArgs = []string{"-version"}
	default:
		if tm.cfg != nil && toolName == tm.cfg.Encoding.Video.Tool {
			versionArgs = []string{"-version"}
		}
	}

	path, err := exec.LookPath(binaryName)
	if err != nil {
		return ToolStatus{Available: false, Error: err}
	}
	if len(versionArgs) == 0 {
		return ToolStatus{Available: true, Path: path}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	output, err := exec.CommandContext(ctx, binaryName, versionArgs...).CombinedOutput()
	if err != nil {
		// Some tools print a banner and still exit non-zero.
		if len(output) > 0 {
			return ToolStatus{Available: true, Version: extractVersion(string(output)), Path: path}
		}
		return ToolStatus{Available: false, Path: path, Error: err}
	}
	return ToolStatus{Available: true, Version: extractVersion(string(output)), Path: path}
}

// GetToolStatus returns the status of the encoders and the alignment engines.
func (tm *ToolManager) GetToolStatus() map[string]map[string]ToolStatus {
	status := make(map[string]map[string]ToolStatus)

	videoTool := "ffmpeg"
	if tm.cfg != nil && tm.cfg.Encoding.Video.Tool != "" {
		videoTool = tm.cfg.Encoding.Video.Tool
	}
	status["encoding"] = map[string]ToolStatus{
		videoTool:     tm.CheckTool(videoTool),
		"imagemagick": tm.CheckTool("imagemagick"),
	}

	var alignCfg *config.AlignmentConfig
	if tm.cfg != nil {
		alignCfg = &tm.cfg.Alignment
	}
	status["alignment"] = make(map[string]ToolStatus)
	mgr := NewAlignmentManager(alignCfg)
	for _, name := range mgr.Names() {
		status["alignment"][name] = ToolStatus{Available: mgr.Processors()[name].IsAvailable()}
	}
	return status
}

// SortedToolNames returns the keys of a status group in a stable order.
func SortedToolNames(group map[string]ToolStatus) []string {
	names := make([]string, 0, len(group))
	for n := range group {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// extractVersion extracts version information from tool output
func extractVersion(output string) string {
	lines := strings.Split(output, "\n")
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if strings.Contains(line, "version") || strings.Contains(line, "Version") {
			return line
		}
	}
	if len(lines) > 0 {
		return strings.TrimSpace(lines[0])
	}
	return "unknown"
}

// commandExists checks presence of an executable in PATH.
func commandExists(name string) bool {
	_, err := exec.LookPath(name)
	return err == nil
}
