package buildenv

import (
	"math"

	"github.com/shirou/gopsutil/v3/process"
)

// descendants returns every descendant of pid, parents before children.
func descendants(pid int32) []*process.Process {
	p, err := process.NewProcess(pid)
	if err != nil {
		return nil
	}
	children, err := p.Children()
	if err != nil {
		return nil
	}
	var out []*process.Process
	for _, c := range children {
		out = append(out, c)
		out = append(out, descendants(c.Pid)...)
	}
	return out
}

// killProcessTree sends SIGKILL to a process and all its descendants.
// Descendants are collected first and killed bottom-up so none is
// re-parented out of reach.
func killProcessTree(pid int) {
	if pid <= 0 || pid > math.MaxInt32 {
		return
	}
	pid32 := int32(pid)

	tree := descendants(pid32)
	for i := len(tree) - 1; i >= 0; i-- {
		if running, err := tree[i].IsRunning(); err == nil && running {
			_ = tree[i].Kill()
		}
	}
	if root, err := process.NewProcess(pid32); err == nil {
		_ = root.Kill()
	}
}
