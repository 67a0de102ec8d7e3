//go:build !linux

package transport

import "golang.org/x/sys/unix"

// setSocketOptions sets SO_REUSEADDR and SO_BROADCAST on platforms
// without a SO_REUSEPORT that behaves like Linux's.
func setSocketOptions(fd uintptr) error {
	if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil { //nolint:gosec
		return err
	}

	return unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_BROADCAST, 1) //nolint:gosec
}
