//go:build unix

package taskexec

import (
	"os"
	"syscall"
)

func costOf(state *os.ProcessState) Cost {
	c := Cost{
		UserTimeMS:   state.UserTime().Milliseconds(),
		SystemTimeMS: state.SystemTime().Milliseconds(),
	}
	if ru, ok := state.SysUsage().(*syscall.Rusage); ok && ru != nil {
		// ru_maxrss is kilobytes on Linux.
		c.MaxRSSKB = int64(ru.Maxrss)
	}
	return c
}
