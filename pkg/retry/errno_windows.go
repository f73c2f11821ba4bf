//go:build windows

package retry

import "syscall"

// Native Winsock codes; Go's syscall.E* constants on Windows are invented values.
const (
	wsaenetdown     syscall.Errno = 10050
	wsaenetunreach  syscall.Errno = 10051
	wsaenetreset    syscall.Errno = 10052
	wsaeconnaborted syscall.Errno = 10053
	wsaeconnreset   syscall.Errno = 10054
	wsaetimedout    syscall.Errno = 10060
	wsaeconnrefused syscall.Errno = 10061
	wsaehostdown    syscall.Errno = 10064
	wsaehostunreach syscall.Errno = 10065
)

func isRetryableErrno(errno syscall.Errno) bool {
	switch errno {
	case syscall.ECONNRESET, syscall.ECONNREFUSED, syscall.ECONNABORTED,
		syscall.ETIMEDOUT, syscall.ENETUNREACH, syscall.EHOSTUNREACH,
		syscall.EPIPE:
		return true
	case wsaeconnreset, wsaeconnrefused, wsaeconnaborted,
		wsaetimedout, wsaenetunreach, wsaehostunreach,
		wsaenetdown, wsaenetreset, wsaehostdown:
		return true
	}
	return false
}
