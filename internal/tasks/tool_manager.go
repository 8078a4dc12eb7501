package tasks

import (
	"fmt"
	"os/exec"
	"strings"

	"meteorcal/internal/config"
)

// ToolManager checks the external astrometry programs.
type ToolManager struct {
	cfg      *config.Config
	lookPath func(string) (string, error)
	output   func(name string, args ...string) ([]byte, error)
}

// NewToolManager creates a new tool manager with configuration
func NewToolManager(cfg *config.Config) *ToolManager {
	return &ToolManager{
		cfg:      cfg,
		lookPath: exec.LookPath,
		output: func(name string, args ...string) ([]byte, error) {
			return exec.Command(name, args...).CombinedOutput()
		},
	}
}

// ToolStatus represents the availability of a tool
type ToolStatus struct {
	Available bool
	Version   string
	Path      string
	Error     error
}

// CheckTool verifies if a tool is available and working. binary may be a
// bare name resolved on PATH or a path.
func (tm *ToolManager) CheckTool(binary string) ToolStatus {
	path, err := tm.lookPath(binary)
	if err != nil {
		return ToolStatus{Available: false, Error: err}
	}

	output, err := tm.output(path, "--version")
	if err != nil {
		// sextractor and scamp print usage with a non-zero exit code
		if len(output) > 0 {
			return ToolStatus{Available: true, Version: extractVersion(string(output)), Path: path}
		}
		return ToolStatus{Available: false, Path: path, Error: err}
	}
	return ToolStatus{Available: true, Version: extractVersion(string(output)), Path: path}
}

// GetToolStatus returns the status of every configured tool.
func (tm *ToolManager) GetToolStatus() map[string]ToolStatus {
	return map[string]ToolStatus{
		"sextractor": tm.CheckTool(tm.cfg.Tools.SExtractor),
		"scamp":      tm.CheckTool(tm.cfg.Tools.Scamp),
	}
}

// Require fails unless every configured tool is available.
func (tm *ToolManager) Require() error {
	var missing []string
	for name, st := range tm.GetToolStatus() {
		if !st.Available {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing tools: %s", strings.Join(missing, ", "))
	}
	return nil
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
