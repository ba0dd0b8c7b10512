package tasks

import (
	"fmt"

	"github.com/shirou/gopsutil/v3/process"
)

// ProcessStats is a point-in-time sample of a service's main process
type ProcessStats struct {
	PID        uint32  `json:"pid"`
	RSSBytes   uint64  `json:"rss_bytes"`
	CPUPercent float64 `json:"cpu_percent"`
	Threads    int32   `json:"threads,omitempty"`
}

type processSampler interface {
	Sample(pid uint32) (*ProcessStats, error)
}

type gopsutilSampler struct{}

func (gopsutilSampler) Sample(pid uint32) (*ProcessStats, error) {
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return nil, fmt.Errorf("open process %d: %w", pid, err)
	}

	mem, err := p.MemoryInfo()
	if err != nil {
		return nil, fmt.Errorf("read memory of process %d: %w", pid, err)
	}
	cpu, err := p.CPUPercent()
	if err != nil {
		return nil, fmt.Errorf("read cpu of process %d: %w", pid, err)
	}

	stats := &ProcessStats{
		PID:        pid,
		RSSBytes:   mem.RSS,
		CPUPercent: round2(cpu),
	}
	// Thread counts are not available everywhere; leave zero when unsupported.
	if threads, err := p.NumThreads(); err == nil {
		stats.Threads = threads
	}
	return stats, nil
}
