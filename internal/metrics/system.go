package metrics

import (
	"os"
	"runtime"
	"sync"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

// SystemSnapshot is one host-level sample. Percentages are 0-100.
type SystemSnapshot struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
	MemoryUsedMB  uint64  `json:"memory_used_mb"`
	ProcessRSSMB  uint64  `json:"process_rss_mb"`
	Goroutines    int     `json:"goroutines"`
}

// SystemSampler reads host and process telemetry. Each probe is
// independent and best-effort: a failing source leaves its fields zero
// rather than failing the sample.
type SystemSampler struct {
	mu   sync.Mutex
	self *process.Process
}

func NewSystemSampler() *SystemSampler {
	s := &SystemSampler{}
	if p, err := process.NewProcess(int32(os.Getpid())); err == nil {
		s.self = p
	}
	return s
}

// Sample collects one snapshot. CPU percent is measured since the
// previous call, so the first sample reports zero.
func (s *SystemSampler) Sample() SystemSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := SystemSnapshot{Goroutines: runtime.NumGoroutine()}

	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		snap.CPUPercent = pct[0]
	}

	if vmem, err := mem.VirtualMemory(); err == nil {
		snap.MemoryPercent = vmem.UsedPercent
		snap.MemoryUsedMB = vmem.Used / 1024 / 1024
	}

	if s.self != nil {
		if info, err := s.self.MemoryInfo(); err == nil && info != nil {
			snap.ProcessRSSMB = info.RSS / 1024 / 1024
		}
	}

	return snap
}
