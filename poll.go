package xsk

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// pollRead waits until fd is readable or timeoutMs elapses. false means
// the timeout passed without an event, which is not an error. An
// interrupted wait is restarted.
func pollRead(fd int, timeoutMs int) (bool, error) {
	fds := [1]unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
	for {
		n, err := unix.Poll(fds[:], timeoutMs)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return false, fmt.Errorf("unix.Poll failed: %v", err)
		}
		return n > 0, nil
	}
}

// pollWrite is pollRead for writability.
func pollWrite(fd int, timeoutMs int) (bool, error) {
	fds := [1]unix.PollFd{{Fd: int32(fd), Events: unix.POLLOUT}}
	for {
		n, err := unix.Poll(fds[:], timeoutMs)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return false, fmt.Errorf("unix.Poll failed: %v", err)
		}
		return n > 0, nil
	}
}
