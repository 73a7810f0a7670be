package process

import (
	"time"

	"github.com/pkg/errors"
	gopsprocess "github.com/shirou/gopsutil/v3/process"
)

// Stats is a point-in-time resource snapshot of a service process.
type Stats struct {
	PID        int       `json:"pid"`
	CPUPercent float64   `json:"cpu_percent"` // since process start, 0-100+
	MemoryRSS  uint64    `json:"memory_rss"`  // bytes
	MemoryMB   uint64    `json:"memory_mb"`
	VirtualMB  uint64    `json:"virtual_mb"`
	Status     string    `json:"status,omitempty"`
	Threads    int32     `json:"threads"`
	StartedAt  time.Time `json:"started_at"`
}

func ReadStats(pid int) (*Stats, error) {
	if pid <= 0 {
		return nil, errors.New("invalid PID")
	}
	p, err := gopsprocess.NewProcess(int32(pid))
	if err != nil {
		return nil, errors.Wrapf(err, "open process %d", pid)
	}

	st := &Stats{PID: pid}
	if mem, err := p.MemoryInfo(); err == nil && mem != nil {
		st.MemoryRSS = mem.RSS
		st.MemoryMB = mem.RSS / (1024 * 1024)
		st.VirtualMB = mem.VMS / (1024 * 1024)
	} else if err != nil {
		return nil, errors.Wrap(err, "read memory info")
	}
	if cpu, err := p.CPUPercent(); err == nil {
		st.CPUPercent = cpu
	}
	if threads, err := p.NumThreads(); err == nil {
		st.Threads = threads
	}
	if status, err := p.Status(); err == nil && len(status) > 0 {
		st.Status = status[0]
	}
	if created, err := p.CreateTime(); err == nil {
		st.StartedAt = time.UnixMilli(created)
	}
	return st, nil
}

// createTime is when the OS started pid, or now when that is unknown.
func createTime(pid int) time.Time {
	p, err := gopsprocess.NewProcess(int32(pid))
	if err != nil {
		return time.Now()
	}
	ms, err := p.CreateTime()
	if err != nil {
		return time.Now()
	}
	return time.UnixMilli(ms)
}

// ReadAllStats skips PIDs that have exited in the meantime.
func ReadAllStats(pids []int) map[int]*Stats {
	out := make(map[int]*Stats, len(pids))
	for _, pid := range pids {
		st, err := ReadStats(pid)
		if err != nil {
			continue
		}
		out[pid] = st
	}
	return out
}

// Descendants lists every transitive child of pid, parents before children.
// Errors reading the process table yield a partial (possibly empty) list.
func Descendants(pid int) []int {
	root, err := gopsprocess.NewProcess(int32(pid))
	if err != nil {
		return nil
	}
	var out []int
	queue := []*gopsprocess.Process{root}
	seen := map[int32]struct{}{root.Pid: {}}
	for len(queue) > 0 {
		p := queue[0]
		queue = queue[1:]
		children, err := p.Children()
		if err != nil {
			continue
		}
		for _, c := range children {
			if _, ok := seen[c.Pid]; ok {
				continue
			}
			seen[c.Pid] = struct{}{}
			out = append(out, int(c.Pid))
			queue = append(queue, c)
		}
	}
	return out
}
