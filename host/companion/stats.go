package companion

import (
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

type Stats struct {
	State        string  `json:"state"`
	InstanceID   string  `json:"instance_id,omitempty"`
	PID          int     `json:"pid,omitempty"`
	Port         int     `json:"port,omitempty"`
	UptimeMs     int64   `json:"uptime_ms,omitempty"`
	CPUPercent   float64 `json:"cpu_percent"`
	RSSMB        float64 `json:"rss_mb"`
	Spawns       int     `json:"spawns"`
	LastExitCode *int    `json:"last_exit_code,omitempty"`
}

// sampler 缓存 gopsutil 进程对象，CPUPercent 需要同一对象上的两次采样才有意义。
type sampler struct {
	mu   sync.Mutex
	pid  int
	proc *process.Process
}

func newSampler() *sampler { return &sampler{} }

func (s *sampler) sample(pid int) (cpu, rssMB float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if pid <= 0 {
		s.pid, s.proc = 0, nil
		return 0, 0
	}
	if s.proc == nil || s.pid != pid {
		p, err := process.NewProcess(int32(pid))
		if err != nil {
			return 0, 0
		}
		s.pid, s.proc = pid, p
	}
	if v, err := s.proc.CPUPercent(); err == nil {
		cpu = v
	}
	if mi, err := s.proc.MemoryInfo(); err == nil && mi != nil {
		rssMB = float64(mi.RSS) / (1024 * 1024)
	}
	return cpu, rssMB
}

// Stats 返回伴随进程运行摘要（用于 /status）。
func (s *Supervisor) Stats() Stats {
	s.mu.Lock()
	h := s.cur
	st := Stats{State: string(s.state), Spawns: s.spawns}
	if s.lastExit != nil {
		code := s.lastExit.Code
		st.LastExitCode = &code
	}
	s.mu.Unlock()

	if h == nil {
		s.sampler.sample(0)
		return st
	}
	st.InstanceID = h.InstanceID
	st.PID = h.PID()
	st.Port = h.Port
	st.UptimeMs = time.Since(h.StartedAt).Milliseconds()
	st.CPUPercent, st.RSSMB = s.sampler.sample(st.PID)
	return st
}
