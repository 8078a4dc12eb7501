package fsutil

import (
	"fmt"
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

// EstimateStackSize estimates, in MB, the memory a sliding median over
// frames needs: every frame held as float64 plus one working copy.
func EstimateStackSize(frames []string) (int64, error) {
	if len(frames) == 0 {
		return 0, nil
	}

	sampleSize := len(frames)
	if sampleSize > 5 {
		sampleSize = 5
	}
	var total int64
	for i := 0; i < sampleSize; i++ {
		if stat, err := os.Stat(frames[i]); err == nil {
			total += stat.Size()
		}
	}
	if total == 0 {
		return 0, fmt.Errorf("could not determine file sizes")
	}
	avg := total / int64(sampleSize)

	// 16-bit captures widen 4x once decoded to float64.
	return int64(len(frames)) * avg * 4 * 2 / (1024 * 1024), nil
}

// CheckStackMemory warns when the estimated stack does not fit in the
// available memory. It returns false in that case.
func CheckStackMemory(frames []string, logger *slog.Logger) bool {
	need, err := EstimateStackSize(frames)
	if err != nil {
		logger.Debug("stack size estimate unavailable", "error", err)
		return true
	}
	avail, err := GetSystemMemory()
	if err != nil {
		logger.Debug("system memory unavailable", "error", err)
		return true
	}
	logger.Debug("stack memory estimate", "frames", len(frames), "need_mb", need, "available_mb", avail)
	if need > avail {
		logger.Warn("stack may not fit in memory", "need_mb", need, "available_mb", avail)
		return false
	}
	return true
}
