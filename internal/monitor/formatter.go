package monitor

import (
	"fmt"
	"time"
)

// FormatPercentage formats a ratio (0-1) as percentage
func FormatPercentage(ratio float64) string {
	return fmt.Sprintf("%.1f%%", ratio*100)
}

// FormatWeight formats an epitaph weight
func FormatWeight(w float64) string {
	return fmt.Sprintf("%.2f", w)
}

// FormatBaseline formats a baseline value with its replay evidence
func FormatBaseline(value, accuracy float64, samples int) string {
	if samples == 0 {
		return fmt.Sprintf("%.3f (no samples)", value)
	}
	return fmt.Sprintf("%.3f (acc %.2f, n=%d)", value, accuracy, samples)
}

// FormatDuration formats duration in seconds to "Xh Ym" or "Xm"
func FormatDuration(seconds int64) string {
	hours := seconds / 3600
	minutes := (seconds % 3600) / 60

	if hours > 0 {
		return fmt.Sprintf("%dh %dm", hours, minutes)
	}
	return fmt.Sprintf("%dm", minutes)
}

// FormatAge formats an age, switching to days past 48 hours
func FormatAge(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	if d >= 48*time.Hour {
		return fmt.Sprintf("%dd", int64(d/(24*time.Hour)))
	}
	return FormatDuration(int64(d / time.Second))
}

// FormatLastRun formats the time since the last analysis run
func FormatLastRun(last, now time.Time) string {
	if last.IsZero() {
		return "never"
	}
	return FormatAge(now.Sub(last)) + " ago"
}
