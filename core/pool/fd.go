package pool

import "golang.org/x/sys/unix"

// closeFD closes a raw file descriptor, ignoring "already closed" since
// Close is idempotent and may race a concurrent reaper/worker close.
func closeFD(fd int) error {
	if fd < 0 {
		return nil
	}
	err := unix.Close(fd)
	if err == unix.EBADF {
		return nil
	}
	return err
}
