package tasks

import (
	"runtime"
	"time"
)

// Heartbeat is the periodic liveness message
type Heartbeat struct {
	Status          string `json:"status"`
	Version         string `json:"version"`
	Platform        string `json:"platform"`
	WatchedServices int    `json:"watched_services"`
	Timestamp       string `json:"timestamp"`
}

// CreateHeartbeat builds a heartbeat stamped with the current UTC time
func (e *Executor) CreateHeartbeat(version string) *Heartbeat {
	watched := 0
	if e.watcher != nil {
		watched = len(e.watcher.Services())
	}

	return &Heartbeat{
		Status:          "alive",
		Version:         version,
		Platform:        runtime.GOOS,
		WatchedServices: watched,
		Timestamp:       time.Now().UTC().Format(time.RFC3339),
	}
}
