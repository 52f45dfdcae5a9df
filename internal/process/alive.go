package process

import (
	gopsproc "github.com/shirou/gopsutil/v4/process"
)

// Alive reports whether pid refers to a live process. Reaped children and
// unknown pids are not alive; an unreaped zombie child still is.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	ok, err := gopsproc.PidExists(int32(pid))
	if err != nil {
		return processExists(pid)
	}
	return ok
}

// startUnix returns the creation time of pid in Unix seconds, 0 when unknown.
func startUnix(pid int) int64 {
	if pid <= 0 {
		return 0
	}
	p, err := gopsproc.NewProcess(int32(pid))
	if err != nil {
		return 0
	}
	ms, err := p.CreateTime()
	if err != nil || ms <= 0 {
		return 0
	}
	return ms / 1000
}
