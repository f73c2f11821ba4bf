//go:build !windows

package retry

import "syscall"

// isRetryableErrno reports whether a socket-level errno is transient.
func isRetryableErrno(errno syscall.Errno) bool {
	switch errno {
	case syscall.ECONNRESET, syscall.ECONNREFUSED, syscall.ECONNABORTED,
		syscall.ETIMEDOUT, syscall.ENETUNREACH, syscall.EHOSTUNREACH,
		syscall.EPIPE:
		return true
	}
	return false
}
