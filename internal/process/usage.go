package process

import gps "github.com/shirou/gopsutil/v4/process"

// Usage returns best-effort CPU percent and resident memory (MB) for the
// live process. Zero values are returned whenever the process cannot be
// inspected; it never fails.
func (h *Handle) Usage() (cpuPercent float64, rssMB float64) {
	if _, exited := h.ExitState(); exited {
		return 0, 0
	}
	return UsageByPID(h.PID())
}

// UsageByPID inspects an arbitrary pid. Best-effort, like Usage.
func UsageByPID(pid int) (cpuPercent float64, rssMB float64) {
	if pid <= 0 {
		return 0, 0
	}
	p, err := gps.NewProcess(int32(pid))
	if err != nil {
		return 0, 0
	}
	if cpu, err := p.CPUPercent(); err == nil {
		cpuPercent = cpu
	}
	if mi, err := p.MemoryInfo(); err == nil && mi != nil {
		rssMB = float64(mi.RSS) / 1024.0 / 1024.0
	}
	return cpuPercent, rssMB
}
