package format

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
)

// Bytes renders a byte count for logs and status output
func Bytes(bytes uint64) string {
	return humanize.IBytes(bytes)
}

// BitRate renders a speed in KB/s the way the engine reports it
func BitRate(kbps int) string {
	return fmt.Sprintf("%s/s", humanize.IBytes(uint64(kbps)*1024))
}

// Duration formats duration in a readable way
func Duration(d time.Duration) string {
	if d < time.Second {
		return d.String()
	}

	hours := int(d.Hours())
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60

	if hours > 0 {
		return fmt.Sprintf("%dh%dm%ds", hours, minutes, seconds)
	} else if minutes > 0 {
		return fmt.Sprintf("%dm%ds", minutes, seconds)
	}
	return fmt.Sprintf("%ds", seconds)
}

// EnginesUp renders a healthy/total pair
func EnginesUp(healthy, total int) string {
	return fmt.Sprintf("%d/%d", healthy, total)
}
