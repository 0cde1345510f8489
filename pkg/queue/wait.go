package queue

import (
	"fmt"
	"strconv"
	"time"
)

// WaitEstimate is the expected time before a waiting job starts.
type WaitEstimate struct {
	Seconds   int64  `json:"seconds"`
	Minutes   int64  `json:"minutes"`
	Formatted string `json:"formatted"`
}

// EstimateWait computes ceil(position / workers * avg).
func EstimateWait(position, workers int, avg time.Duration) WaitEstimate {
	if workers < 1 {
		workers = 1
	}
	if position < 0 {
		position = 0
	}
	num := int64(position) * avg.Milliseconds()
	den := int64(workers) * 1000
	seconds := (num + den - 1) / den
	return WaitEstimate{
		Seconds:   seconds,
		Minutes:   (seconds + 59) / 60,
		Formatted: FormatDuration(seconds),
	}
}

// FormatDuration renders seconds for humans: "N seconds" below a minute,
// then "1 minute", "N minutes", and "Hh Mm" from one hour. Minutes round up.
func FormatDuration(seconds int64) string {
	if seconds < 60 {
		return fmt.Sprintf("%d seconds", seconds)
	}
	minutes := (seconds + 59) / 60
	if minutes == 1 {
		return "1 minute"
	}
	if minutes < 60 {
		return fmt.Sprintf("%d minutes", minutes)
	}
	return fmt.Sprintf("%dh %dm", minutes/60, minutes%60)
}

func formatMillis(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}
