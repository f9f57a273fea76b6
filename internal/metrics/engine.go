package metrics

import (
	"github.com/shirou/gopsutil/v4/process"
)

// EngineUsage is a point-in-time resource sample of an engine process.
type EngineUsage struct {
	PID        int32
	RSSBytes   uint64
	CPUPercent float64
}

// SampleEngine reads RSS and CPU of pid via gopsutil and publishes them on the
// engine gauges. Errors mean the process is gone or unreadable.
func SampleEngine(pid int) (EngineUsage, error) {
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return EngineUsage{}, err
	}
	u := EngineUsage{PID: p.Pid}
	mem, err := p.MemoryInfo()
	if err != nil {
		return u, err
	}
	u.RSSBytes = mem.RSS
	if cpu, err := p.CPUPercent(); err == nil {
		u.CPUPercent = cpu
	}
	if regOK.Load() {
		engineMemory.Set(float64(u.RSSBytes))
		engineCPU.Set(u.CPUPercent)
	}
	return u, nil
}
