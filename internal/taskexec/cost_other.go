//go:build !unix

package taskexec

import "os"

func costOf(state *os.ProcessState) Cost {
	return Cost{
		UserTimeMS:   state.UserTime().Milliseconds(),
		SystemTimeMS: state.SystemTime().Milliseconds(),
	}
}
