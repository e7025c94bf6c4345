package ratelimit

import (
	"context"
	"sync"

	"github.com/prometheus/procfs"

	"campaign-dispatch/internal/common/logger"
)

// QueueDepther reports how many jobs are waiting to run.
type QueueDepther interface {
	Depth(ctx context.Context) (int, error)
}

// SystemLoadProbe reads memory and CPU pressure from /proc and queue depth
// from the work queue. CPU utilization is computed between consecutive calls;
// the first call after startup reports zero.
type SystemLoadProbe struct {
	fs     procfs.FS
	queue  QueueDepther
	logger logger.Logger

	mu       sync.Mutex
	lastBusy float64
	lastIdle float64
	primed   bool
}

func NewSystemLoadProbe(queue QueueDepther, log logger.Logger) (*SystemLoadProbe, error) {
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return nil, err
	}
	return &SystemLoadProbe{
		fs:     fs,
		queue:  queue,
		logger: log.WithFields(map[string]interface{}{"component": "load-probe"}),
	}, nil
}

func (p *SystemLoadProbe) Load(ctx context.Context) (Load, error) {
	var load Load

	if mem, err := p.fs.Meminfo(); err == nil && mem.MemTotal != nil && mem.MemAvailable != nil && *mem.MemTotal > 0 {
		load.MemoryUtilization = 1 - float64(*mem.MemAvailable)/float64(*mem.MemTotal)
	} else if err != nil {
		return Load{}, err
	}

	stat, err := p.fs.Stat()
	if err != nil {
		return Load{}, err
	}
	load.CPUUtilization = p.cpuUtilization(stat.CPUTotal)

	depth, err := p.queue.Depth(ctx)
	if err != nil {
		return Load{}, err
	}
	load.QueueDepth = depth

	return load, nil
}

func (p *SystemLoadProbe) cpuUtilization(cpu procfs.CPUStat) float64 {
	busy := cpu.User + cpu.Nice + cpu.System + cpu.Iowait + cpu.IRQ + cpu.SoftIRQ + cpu.Steal
	idle := cpu.Idle

	p.mu.Lock()
	defer p.mu.Unlock()

	deltaBusy := busy - p.lastBusy
	deltaIdle := idle - p.lastIdle
	primed := p.primed

	p.lastBusy = busy
	p.lastIdle = idle
	p.primed = true

	total := deltaBusy + deltaIdle
	if !primed || total <= 0 {
		return 0
	}
	return deltaBusy / total
}
