package metrics

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

// TreeMetrics sums CPU and memory over a browser process and every
// descendant (GPU, network, renderers).
type TreeMetrics struct {
	PID        int32     `json:"pid"`
	Processes  int       `json:"processes"`
	Renderers  int       `json:"renderers"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryMB   float64   `json:"memory_mb"`
	MemoryRSS  uint64    `json:"memory_rss"`
	NumThreads int32     `json:"num_threads"`
	Timestamp  time.Time `json:"timestamp"`
}

// maxTreeSize bounds the walk in case the process table changes under us.
const maxTreeSize = 512

// SampleTree collects TreeMetrics for pid. Only a failure on the root
// process is an error; descendants that vanish mid-walk are skipped.
func SampleTree(ctx context.Context, pid int32) (TreeMetrics, error) {
	root, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		return TreeMetrics{}, fmt.Errorf("failed to create process handle: %w", err)
	}
	m := TreeMetrics{PID: pid, Timestamp: time.Now()}
	if err := m.add(ctx, root, true); err != nil {
		return TreeMetrics{}, err
	}
	queue := []*process.Process{root}
	seen := map[int32]bool{pid: true}
	for len(queue) > 0 && len(seen) < maxTreeSize {
		p := queue[0]
		queue = queue[1:]
		children, err := p.ChildrenWithContext(ctx)
		if err != nil {
			continue
		}
		for _, c := range children {
			if seen[c.Pid] {
				continue
			}
			seen[c.Pid] = true
			if err := m.add(ctx, c, false); err == nil {
				queue = append(queue, c)
			}
		}
	}
	return m, nil
}

func (m *TreeMetrics) add(ctx context.Context, p *process.Process, root bool) error {
	mem, err := p.MemoryInfoWithContext(ctx)
	if err != nil {
		if root {
			return fmt.Errorf("failed to get memory info: %w", err)
		}
		return err
	}
	m.Processes++
	m.MemoryRSS += mem.RSS
	m.MemoryMB = float64(m.MemoryRSS) / 1024 / 1024
	if cpu, err := p.CPUPercentWithContext(ctx); err == nil {
		m.CPUPercent += cpu
	}
	if n, err := p.NumThreadsWithContext(ctx); err == nil {
		m.NumThreads += n
	}
	if !root && isRenderer(ctx, p) {
		m.Renderers++
	}
	return nil
}

func isRenderer(ctx context.Context, p *process.Process) bool {
	args, err := p.CmdlineSliceWithContext(ctx)
	if err != nil {
		return false
	}
	for _, a := range args {
		if a == "--type=renderer" {
			return true
		}
	}
	return false
}

// Publish exports a sample for profile through the registered gauges.
func (m TreeMetrics) Publish(profile string) {
	SetBrowserResources(strings.TrimSpace(profile), m.CPUPercent, m.MemoryMB, m.Renderers)
}
