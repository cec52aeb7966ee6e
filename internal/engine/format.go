package engine

import (
	"fmt"
	"math"
	"strings"
)

// FormatBytes renders a byte count in binary units
func FormatBytes(n int64) string {
	switch {
	case n >= 1<<30:
		return fmt.Sprintf("%.2f GiB", float64(n)/(1<<30))
	case n >= 1<<20:
		return fmt.Sprintf("%.2f MiB", float64(n)/(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.2f KiB", float64(n)/(1<<10))
	default:
		return fmt.Sprintf("%d B", n)
	}
}

// FormatSpeed renders a throughput in binary units per second
func FormatSpeed(bytesPerSec float64) string {
	return FormatBytes(int64(bytesPerSec)) + "/s"
}

// Throughput computes bytes/sec, defined only for positive durations
func Throughput(size int64, seconds float64) float64 {
	if seconds <= 0 || size <= 0 {
		return 0
	}
	return float64(size) / seconds
}

// Percent computes a saturating progress percentage
func Percent(processed, total int) int {
	if total <= 0 {
		return 0
	}
	p := int(math.Round(float64(processed) / float64(total) * 100))
	if p > 100 {
		p = 100
	}
	return p
}

// progressBar renders a 20-cell ASCII bar for a percentage
func progressBar(percent int) string {
	filled := percent / 5
	if filled > 20 {
		filled = 20
	}
	return strings.Repeat("█", filled) + strings.Repeat("░", 20-filled)
}
