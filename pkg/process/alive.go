package process

import (
	"slices"

	gopsprocess "github.com/shirou/gopsutil/v3/process"
)

// Alive reports whether pid refers to a live process. A zombie counts as
// dead: it has exited and only waits for its parent to reap it.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	exists, err := gopsprocess.PidExists(int32(pid))
	if err != nil || !exists {
		return false
	}
	p, err := gopsprocess.NewProcess(int32(pid))
	if err != nil {
		// Raced with the exit.
		return false
	}
	status, err := p.Status()
	if err != nil {
		return true
	}
	return !slices.Contains(status, gopsprocess.Zombie)
}
